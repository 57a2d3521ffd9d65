package paint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	commonDirName  = "common"
	stagingDirName = "staged"
	poolDirName    = "random"
)

type Category string

const (
	CategoryCar    Category = "car"
	CategorySpec   Category = "car_spec"
	CategoryNumber Category = "car_num"
	CategoryDecal  Category = "car_decal"
	CategoryHelmet Category = "helmet"
	CategorySuit   Category = "suit"
)

// asset describes one paint file of a participant
type asset struct {
	cat    Category
	ext    string
	perCar bool // located in the car directory
}

var (
	assetCar    = asset{cat: CategoryCar, ext: ".tga", perCar: true}
	assetSpec   = asset{cat: CategorySpec, ext: ".mip", perCar: true}
	assetNumber = asset{cat: CategoryNumber, ext: ".tga", perCar: true}
	assetDecal  = asset{cat: CategoryDecal, ext: ".tga", perCar: true}
	assetHelmet = asset{cat: CategoryHelmet, ext: ".tga"}
	assetSuit   = asset{cat: CategorySuit, ext: ".tga"}

	allAssets = []asset{assetCar, assetSpec, assetNumber, assetDecal, assetHelmet, assetSuit}
)

func (a asset) commonName() string {
	return fmt.Sprintf("%s_common%s", a.cat, a.ext)
}

func (a asset) participantName(userID int) string {
	return fmt.Sprintf("%s_%d%s", a.cat, userID, a.ext)
}

// Layout resolves the locations of the simulator's paint folder.
//
//	<root>/<carPath>/car_<id>.tga             participant car paint
//	<root>/<carPath>/common/car_common.tga    source for all participants
//	<root>/<carPath>/common/random/car/*.tga  pool for random mode
//	<root>/<carPath>/common/staged/           random picks of the current connection
//	<root>/helmet_<id>.tga, <root>/suit_<id>.tga
//	<root>/common/helmet_common.tga           global helmet/suit source
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// DefaultRoot returns the paint folder inside the user's documents
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("iRacing", "paint")
	}
	return filepath.Join(home, "Documents", "iRacing", "paint")
}

// CarDir returns the directory for the car. The simulator may deliver car paths
// with either separator.
func (l Layout) CarDir(carPath string) string {
	normalized := strings.ReplaceAll(carPath, `\`, "/")
	return filepath.Join(l.Root, filepath.FromSlash(normalized))
}

func (l Layout) CarCommonDir(carPath string) string {
	return filepath.Join(l.CarDir(carPath), commonDirName)
}

func (l Layout) GlobalCommonDir() string {
	return filepath.Join(l.Root, commonDirName)
}

// baseDir is the directory holding the common file of the asset
func (l Layout) baseDir(a asset, carPath string, carSpecificHelmetSuit bool) string {
	if a.perCar || carSpecificHelmetSuit {
		return l.CarCommonDir(carPath)
	}
	return l.GlobalCommonDir()
}

func (l Layout) source(a asset, carPath string, plan Plan) string {
	dir := l.baseDir(a, carPath, plan.CarSpecificHelmetSuit)
	if plan.Random {
		dir = filepath.Join(dir, stagingDirName)
	}
	return filepath.Join(dir, a.commonName())
}

func (l Layout) target(a asset, carPath string, userID int) string {
	if a.perCar {
		return filepath.Join(l.CarDir(carPath), a.participantName(userID))
	}
	return filepath.Join(l.Root, a.participantName(userID))
}

func (l Layout) pool(a asset, carPath string, carSpecificHelmetSuit bool) string {
	return filepath.Join(l.baseDir(a, carPath, carSpecificHelmetSuit), poolDirName, string(a.cat))
}

func (l Layout) staged(a asset, carPath string, carSpecificHelmetSuit bool) string {
	return filepath.Join(l.baseDir(a, carPath, carSpecificHelmetSuit),
		stagingDirName, a.commonName())
}
