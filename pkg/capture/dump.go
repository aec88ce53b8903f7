package capture

import (
	"fmt"

	"github.com/metacarve/metacarve/pkg/capture/minidump"
	"github.com/metacarve/metacarve/pkg/image"
	"github.com/metacarve/metacarve/pkg/logflags"
)

// MinidumpCapturer captures module images from a minidump file, which is
// the Windows equivalent of a unix core dump and can be produced for a
// running process with ProcDump or Task Manager.
type MinidumpCapturer struct {
	Path string
}

// CaptureModuleImage returns the in-memory image of module as saved in the
// minidump. If pid is not zero it must match the process the dump was taken
// from.
func (mc *MinidumpCapturer) CaptureModuleImage(pid int, module string) (*Capture, error) {
	f, err := OpenFile(mc.Path, image.RawLayout)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	logger := logflags.MinidumpLogger()
	var logfn func(string, ...interface{})
	if logflags.Minidump() {
		logfn = logger.Debugf
	}
	mdmp, err := minidump.Parse(f.Data, logfn)
	if err != nil {
		return nil, err
	}

	if pid != 0 && mdmp.Pid != 0 && uint32(pid) != mdmp.Pid {
		return nil, fmt.Errorf("minidump %s was taken from process %d, not %d", mc.Path, mdmp.Pid, pid)
	}

	m, ok := mdmp.FindModule(module)
	if !ok {
		return nil, &ErrModuleNotFound{Module: module, Source: mc.Path}
	}

	data, missing := mdmp.ReadModule(m)
	l := logflags.CaptureLogger().WithFields(logflags.Fields{"module": m.Name, "base": fmt.Sprintf("%#x", m.BaseOfImage)})
	if missing == uint64(m.SizeOfImage) {
		return nil, fmt.Errorf("minidump %s does not contain the memory of %s", mc.Path, m.Name)
	}
	if missing > 0 {
		l.Warnf("%d of %d bytes of the module image were not saved in the minidump", missing, m.SizeOfImage)
	}
	if logflags.Capture() {
		l.Debugf("captured %d bytes", len(data))
	}

	return &Capture{
		Data:       data,
		Provenance: image.VirtualLayout,
		Base:       m.BaseOfImage,
		Source:     fmt.Sprintf("%s!%s", mc.Path, m.Name),
	}, nil
}
