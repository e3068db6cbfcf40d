package detections

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestLoadLabelsDefault(t *testing.T) {
	labels, err := LoadLabels("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels, test.ShouldHaveLength, 80)
	test.That(t, labels[39], test.ShouldEqual, "bottle")
}

func TestLoadLabelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	test.That(t, os.WriteFile(path, []byte("can\n bottle \n\nsnack\n\n"), 0o644), test.ShouldBeNil)

	labels, err := LoadLabels(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels, test.ShouldResemble, []string{"can", "bottle", "", "snack"})
}

func TestLoadLabelsErrors(t *testing.T) {
	_, err := LoadLabels(filepath.Join(t.TempDir(), "missing.txt"))
	test.That(t, err, test.ShouldNotBeNil)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	test.That(t, os.WriteFile(empty, []byte("\n\n"), 0o644), test.ShouldBeNil)
	_, err = LoadLabels(empty)
	test.That(t, err, test.ShouldNotBeNil)
}
