package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	Source            string // telemetry source: nats or dir
	NatsURL           string // URL of the NATS server used by the sidecar
	NatsSubject       string // subject prefix of the sidecar messages
	WatchDir          string // spool dir used by the dir source
	PaintDir          string // root of the simulator's paint folder
	OptionsFile       string // path to the options side file
	SettleDelay       string // wait after a session change before provisioning starts
	ReloadDelay       string // delay before each reload request
	RandomPerDriver   bool   // stage random paints for every new participant
	SkipCleanup       bool   // don't run the cleanup on exit
	WatchOptions      bool   // reload options when the side file changes
	LockFile          string // path to the single instance lock file
	LogDir            string // directory for log files (LogToFile option)
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "*:session,reload"
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry (empty: stdout)
	KeepUserIDs       []int  // user ids whose paints are kept by the clear command
)
