package cleanup

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/cmd/cmdutil"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/config"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/instance"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/paint"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry"
)

func NewClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "removes all provisioned participant paints and reloads the paints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startClear(cmd.Context())
		},
	}
	cmd.Flags().IntSliceVar(&config.KeepUserIDs,
		"keep-user-id",
		nil,
		"user ids whose paints are kept (e.g. your own)")
	return cmd
}

func startClear(ctx context.Context) error {
	if err := cmdutil.InitLogger(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	provisioner := paint.NewProvisioner(paint.NewLayout(config.PaintDir))
	source, err := cmdutil.NewSource(ctx)
	if err != nil {
		log.Error("could not create telemetry source", log.ErrorField(err))
		return err
	}
	defer source.Close()
	return ClearLocked(ctx, config.LockFile, provisioner, source, config.KeepUserIDs...)
}

type remover interface {
	RemoveProvisioned(keep ...int) (int, error)
}

// ClearLocked runs Clear while holding the instance lock at lockPath. Fails
// with instance.ErrAlreadyRunning if another instance holds the lock.
//
//nolint:whitespace // editor/linter issue
func ClearLocked(
	ctx context.Context, lockPath string, r remover, source telemetry.Source, keep ...int,
) error {
	lock, err := instance.Acquire(lockPath)
	if err != nil {
		log.Error("cannot clear paints", log.ErrorField(err))
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("could not release lock", log.ErrorField(err))
		}
	}()
	return Clear(ctx, r, source, keep...)
}

// Clear removes the provisioned paints and asks the simulator to reload all
// paints. A failed reload request is logged only.
//
//nolint:whitespace // editor/linter issue
func Clear(
	ctx context.Context, r remover, source telemetry.Source, keep ...int,
) error {
	n, err := r.RemoveProvisioned(keep...)
	if err != nil {
		log.Error("could not remove all paints", log.Int("removed", n), log.ErrorField(err))
		return err
	}
	log.Info("paints removed", log.Int("removed", n), log.Ints("kept", keep))
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := source.RequestReload(reqCtx, model.ReloadModeAll, 0); err != nil {
		log.Warn("reload request failed", log.ErrorField(err))
	}
	return nil
}
