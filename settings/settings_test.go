package settings_test

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.mapkit.dev/slammapper/settings"
)

const validYAML = `
camera:
  fps: 30
  width: 1280
  height: 720
  fx: 500.0
  fy: 500.0
  cx: 640.0
  cy: 360.0
pyramid:
  scalefactor: 1.2
  levels: 8
server:
  address: "0.0.0.0:9000"
publisher:
  address: "0.0.0.0:9001"
`

func writeTemp(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	test.That(t, os.WriteFile(path, []byte(contents), 0o644), test.ShouldBeNil)
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	s, err := settings.Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Camera.Width, test.ShouldEqual, 1280)
	test.That(t, s.Server.Address, test.ShouldEqual, "0.0.0.0:9000")
	test.That(t, s.Publisher.Address, test.ShouldEqual, "0.0.0.0:9001")
	test.That(t, s.Pyramid.Levels, test.ShouldEqual, 8)
}

func TestLoadMissingKeyNamesIt(t *testing.T) {
	path := writeTemp(t, `
camera:
  fps: 30
  width: 1280
  height: 720
  fx: 500.0
  fy: 500.0
  cx: 640.0
  cy: 360.0
pyramid:
  scalefactor: 1.2
  levels: 8
server:
  address: "0.0.0.0:9000"
`)
	_, err := settings.Load(path)
	test.That(t, err, test.ShouldNotBeNil)
	missing, ok := err.(*settings.MissingKeyError)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, missing.Key, test.ShouldEqual, "publisher.address")
}
