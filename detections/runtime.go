package detections

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// DefaultLibraryName is the onnxruntime shared library file for this OS.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// InitRuntime loads the onnxruntime shared library and creates the process
// environment. It must run once before any ModelSession is created. An
// empty libPath uses DefaultLibraryName from the loader's search path.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = DefaultLibraryName()
	}
	if err := checkLibraryPath(libPath); err != nil {
		return err
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	return nil
}

// checkLibraryPath stats explicit paths only. A bare file name is left to
// the dynamic loader's search path.
func checkLibraryPath(libPath string) error {
	if filepath.Base(libPath) == libPath {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library %s", libPath)
	}
	return nil
}

func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}
