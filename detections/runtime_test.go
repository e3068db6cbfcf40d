package detections

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestCheckLibraryPath(t *testing.T) {
	// Bare names are resolved by the dynamic loader, not the working directory.
	test.That(t, checkLibraryPath(DefaultLibraryName()), test.ShouldBeNil)

	missing := filepath.Join(t.TempDir(), "libonnxruntime.so")
	err := checkLibraryPath(missing)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, missing)

	test.That(t, os.WriteFile(missing, []byte{0}, 0o644), test.ShouldBeNil)
	test.That(t, checkLibraryPath(missing), test.ShouldBeNil)

	test.That(t, checkLibraryPath("./libonnxruntime.so"), test.ShouldNotBeNil)
}

func TestInitRuntimeMissingExplicitPath(t *testing.T) {
	err := InitRuntime(filepath.Join(t.TempDir(), "missing", "libonnxruntime.so"))
	test.That(t, err, test.ShouldNotBeNil)
}
