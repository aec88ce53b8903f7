// Package extract drives a full extraction: it brings a captured module
// image into raw layout, scans it, and writes the selected candidates to
// disk.
package extract

import (
	"fmt"
	"path/filepath"

	"github.com/metacarve/metacarve/pkg/carve"
	"github.com/metacarve/metacarve/pkg/image"
	"github.com/metacarve/metacarve/pkg/logflags"
	"github.com/metacarve/metacarve/pkg/scan"
)

// Target is a module image in raw layout.
type Target struct {
	Data  []byte
	Image *image.Image
	// Converted is set if Data was rebuilt from a virtual layout capture.
	Converted bool
}

// Prepare parses data and, if it is a virtual layout capture, converts it
// to raw layout. Raw layout data is used in place.
func Prepare(data []byte, prov image.Provenance) (*Target, error) {
	img, err := image.Parse(data)
	if err != nil {
		return nil, err
	}
	if prov == image.RawLayout {
		return &Target{Data: data, Image: img}, nil
	}

	raw, err := image.ToRawLayout(data, img)
	if err != nil {
		return nil, err
	}
	if logflags.Layout() {
		logger := logflags.LayoutLogger()
		logger.Debugf("converted %d byte virtual capture to %d bytes of raw layout", len(data), len(raw))
		for _, sec := range img.Sections {
			logger.Debugf("%-8s virtual %#x -> raw %#x..%#x", sec.Name, sec.VirtualStart, sec.RawStart, sec.RawEnd)
		}
	}
	return &Target{Data: raw, Image: img, Converted: true}, nil
}

// Scan scans the target and returns the deduplicated, ranked result.
func (t *Target) Scan(opts scan.Options, preferred []string) *scan.Result {
	res := scan.Scan(t.Data, t.Image, opts)
	res.Finish(preferred)

	logger := logflags.ScannerLogger()
	if logflags.Scanner() {
		for _, ms := range res.Stats.Modes {
			logger.WithFields(logflags.Fields{"mode": ms.Mode, "hits": ms.Hits, "outside": ms.Discarded}).Debugf("scanned %d bytes in %v", ms.Bytes, ms.Duration)
		}
	}
	logger.Infof("%d plausible candidates, %d suspects (%v)", len(res.Plausible), len(res.Suspects), res.Stats.Duration)
	return res
}

// Options selects what Extract writes.
type Options struct {
	Carve carve.Options
	// NoVersionCheck lets Out fall back to the best suspect and writes
	// DumpAll candidates that do not decode to the magic.
	NoVersionCheck bool

	// Out receives the Index-th plausible candidate (the best one if Index
	// is 0).
	Out   string
	Index int

	// DumpAll receives every plausible candidate.
	DumpAll string
	// DumpTop suspects are written to DumpAll, or GuessesDir if DumpAll is
	// empty.
	DumpTop    int
	GuessesDir string
}

// Output is a file written by Extract.
type Output struct {
	Path      string
	Candidate scan.Candidate
	Size      int
}

// Extract writes the candidates of res selected by opts. The outputs
// written before an error occurred are returned along with it.
func (t *Target) Extract(res *scan.Result, opts *Options) ([]Output, error) {
	var outs []Output

	if opts.DumpAll != "" {
		for i := range res.Plausible {
			c := &res.Plausible[i]
			o, err := t.write(filepath.Join(opts.DumpAll, carve.PlausibleFileName(i+1, c)), c, opts, true)
			if err != nil {
				return outs, err
			}
			if o != nil {
				outs = append(outs, *o)
			}
		}
	}

	if opts.DumpTop > 0 {
		dir := opts.DumpAll
		if dir == "" {
			dir = opts.GuessesDir
		}
		n := opts.DumpTop
		if n > len(res.Suspects) {
			n = len(res.Suspects)
		}
		for i := range res.Suspects[:n] {
			c := &res.Suspects[i]
			o, err := t.write(filepath.Join(dir, carve.SuspectFileName(c)), c, opts, false)
			if err != nil {
				return outs, err
			}
			outs = append(outs, *o)
		}
	}

	if opts.Out != "" {
		c, err := res.Best(opts.Index, opts.NoVersionCheck)
		if err != nil {
			return outs, err
		}
		if len(res.Plausible) == 0 {
			logflags.CarverLogger().Warnf("no plausible candidate, writing the best suspect %s", c)
		}
		o, err := t.write(opts.Out, c, opts, false)
		if err != nil {
			return outs, err
		}
		outs = append(outs, *o)
	}

	return outs, nil
}

// write carves c into path. If checkMagic is set and version checking is
// enabled, a blob that does not decode to the magic is skipped and write
// returns nil.
func (t *Target) write(path string, c *scan.Candidate, opts *Options, checkMagic bool) (*Output, error) {
	blob, err := carve.Carve(t.Data, c, carve.Options{Extend: opts.Carve.Extend})
	if err != nil {
		return nil, err
	}
	if checkMagic && !opts.NoVersionCheck && !carve.HasMagic(blob) {
		if logflags.Carver() {
			carverLogger(c).Debugf("skipped, decoded blob does not start with the magic")
		}
		return nil, nil
	}
	if opts.Carve.Override != nil {
		blob, err = carve.ApplyOverride(blob, opts.Carve.Override)
		if err != nil {
			return nil, err
		}
	}
	if err := carve.WriteFile(path, blob); err != nil {
		return nil, err
	}
	if logflags.Carver() {
		carverLogger(c).Debugf("wrote %d bytes to %s", len(blob), path)
	}
	return &Output{Path: path, Candidate: *c, Size: len(blob)}, nil
}

func carverLogger(c *scan.Candidate) logflags.Logger {
	return logflags.CarverLogger().WithFields(logflags.Fields{"offset": fmt.Sprintf("%#x", c.Offset), "mode": c.Mode, "section": c.Section.Name})
}

// ExtractSignature locates the blob through sig, which is found
// backOffset bytes past its start, and writes it to out.
func (t *Target) ExtractSignature(sig []byte, backOffset int64, copts carve.Options, out string) (*Output, error) {
	c, err := carve.LocateSignature(t.Data, t.Image, sig, backOffset)
	if err != nil {
		return nil, err
	}
	logflags.CarverLogger().Infof("signature %x located blob %s", sig, c)
	if c.HasVersion && !scan.PlausibleVersion(c.Version) && copts.Override == nil {
		logflags.CarverLogger().Warnf("version %d at %#x is not plausible, consider --magic-fix", c.Version, c.Offset)
	}
	return t.write(out, c, &Options{Carve: copts, NoVersionCheck: true}, false)
}

// Rebuild writes the raw layout image of the target to path.
func (t *Target) Rebuild(path string) error {
	if err := carve.WriteFile(path, t.Data); err != nil {
		return err
	}
	logflags.LayoutLogger().Infof("wrote %d byte raw layout image to %s", len(t.Data), path)
	return nil
}
