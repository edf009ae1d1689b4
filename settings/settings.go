// Package settings parses the mapping server's key/value settings file
// (spec.md §6): camera geometry, transport addresses, and ORB pyramid
// parameters, failing fast at startup when a required key is absent.
package settings

import (
	"fmt"

	"github.com/spf13/viper"
)

// Camera holds the intrinsics and frame geometry the server needs to
// validate tracker-supplied KeyFrames against.
type Camera struct {
	FPS      float64
	Width    int
	Height   int
	FX       float64
	FY       float64
	CX       float64
	CY       float64
	Baseline float64
}

// Pyramid holds the ORB scale-pyramid parameters used by MapPoint scale
// prediction (spec.md §3, PredictScale).
type Pyramid struct {
	ScaleFactor float64
	Levels      int
}

// Server holds process-lifecycle addresses.
type Server struct {
	Address string
}

// Publisher holds the fan-out socket address.
type Publisher struct {
	Address string
}

// Settings is the fully-validated, parsed settings file.
type Settings struct {
	Camera    Camera
	Pyramid   Pyramid
	Server    Server
	Publisher Publisher
}

// requiredKeys lists every dotted key Load validates is present, in the
// order spec.md §6 lists them.
var requiredKeys = []string{
	"camera.fps",
	"camera.width",
	"camera.height",
	"camera.fx",
	"camera.fy",
	"camera.cx",
	"camera.cy",
	"pyramid.scalefactor",
	"pyramid.levels",
	"server.address",
	"publisher.address",
}

// MissingKeyError reports that Load could not find a required key, naming
// it so the startup failure message points directly at the fix (spec.md §7
// Configuration error kind: "fatal, reported at startup, names the key").
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("settings: missing required key %q", e.Key)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	return v
}

// Load reads and validates the settings file at path.
func Load(path string) (*Settings, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("settings: failed to read %q: %w", path, err)
	}

	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return nil, &MissingKeyError{Key: key}
		}
	}

	return &Settings{
		Camera: Camera{
			FPS:      v.GetFloat64("camera.fps"),
			Width:    v.GetInt("camera.width"),
			Height:   v.GetInt("camera.height"),
			FX:       v.GetFloat64("camera.fx"),
			FY:       v.GetFloat64("camera.fy"),
			CX:       v.GetFloat64("camera.cx"),
			CY:       v.GetFloat64("camera.cy"),
			Baseline: v.GetFloat64("camera.baseline"),
		},
		Pyramid: Pyramid{
			ScaleFactor: v.GetFloat64("pyramid.scalefactor"),
			Levels:      v.GetInt("pyramid.levels"),
		},
		Server:    Server{Address: v.GetString("server.address")},
		Publisher: Publisher{Address: v.GetString("publisher.address")},
	}, nil
}
