package cmds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/metacarve/metacarve/cmd/metacarve/cmds/helphelpers"
	"github.com/metacarve/metacarve/pkg/capture"
	"github.com/metacarve/metacarve/pkg/carve"
	"github.com/metacarve/metacarve/pkg/config"
	"github.com/metacarve/metacarve/pkg/extract"
	"github.com/metacarve/metacarve/pkg/image"
	"github.com/metacarve/metacarve/pkg/logflags"
	"github.com/metacarve/metacarve/pkg/scan"
	"github.com/metacarve/metacarve/pkg/terminal"
	"github.com/metacarve/metacarve/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// layout is the provenance of the input file, virtual is a shorthand
	// for --layout=virtual.
	layout  string
	virtual bool
	// minidumpPath, module and pid select a module image saved in a minidump.
	minidumpPath string
	module       string
	pid          int

	sections       []string
	preferred      []string
	modes          []string
	scanAll        bool
	noVersionCheck bool
	suspectRows    int

	out        string
	index      int
	dumpAll    string
	dumpTop    int
	guessesDir string
	extend     int64
	magicFix   hexBytes

	signature    hexBytes
	headerOffset int64

	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const metacarveCommandLongDesc = `metacarve locates the global metadata blob embedded in a native module
image and writes a decoded copy of it.

The blob is searched for verbatim, with its magic byte reversed and XOR-ed
with a 1 or 4 byte repeating key. Module images can be read from disk, in
the layout they have on disk or as captured from the memory of a process,
or straight from a Windows minidump.`

// hexBytes is a flag holding a byte string written in hex.
type hexBytes []byte

func (h *hexBytes) String() string {
	return hex.EncodeToString(*h)
}

func (h *hexBytes) Set(s string) error {
	b, err := config.ParseHex(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func (h *hexBytes) Type() string {
	return "hex"
}

// New returns an initialized command tree. If docCall is set the
// configuration file is not loaded.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = &config.Config{}
	if !docCall {
		conf = config.LoadConfig()
	}
	return newCommand()
}

func newCommand() *cobra.Command {
	if conf == nil {
		conf = &config.Config{}
	}
	magicFix, signature = nil, nil

	// Main metacarve root command.
	rootCommand = &cobra.Command{
		Use:          "metacarve",
		Short:        "metacarve extracts embedded global metadata from module images.",
		Long:         metacarveCommandLongDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'metacarve help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'metacarve help log').")

	rootCommand.PersistentFlags().StringVar(&layout, "layout", "raw", `Layout of the input image, "raw" for a file as stored on disk, "virtual" for a memory capture.`)
	rootCommand.PersistentFlags().BoolVar(&virtual, "virtual", false, "Same as --layout=virtual.")
	rootCommand.PersistentFlags().StringVar(&minidumpPath, "minidump", "", "Read the module image from this Windows minidump instead of an image file.")
	rootCommand.PersistentFlags().StringVar(&module, "module", "GameAssembly.dll", "Module to read from the minidump.")
	rootCommand.PersistentFlags().IntVar(&pid, "pid", 0, "If not zero, the minidump must have been taken from this process.")

	// 'scan' subcommand.
	scanCommand := &cobra.Command{
		Use:     "scan [image]",
		Aliases: []string{"list"},
		Short:   "List metadata candidates without writing anything.",
		Long: `Scans a module image and lists its sections, the statistics of every
scan pass and the ranked metadata candidates.`,
		Args: cobra.MaximumNArgs(1),
		RunE: scanCmd,
	}
	addScanFlags(scanCommand.Flags())
	rootCommand.AddCommand(scanCommand)

	// 'extract' subcommand.
	extractCommand := &cobra.Command{
		Use:   "extract [image]",
		Short: "Carve metadata candidates out of a module image.",
		Long: `Scans a module image and writes decoded metadata candidates.

--out writes the best plausible candidate, or the one selected with --index.
--dump-all writes every plausible candidate to a directory and --dump-top
writes the best suspects, the candidates whose version looks wrong, to the
--dump-all directory or to the guesses directory.

Without any of these flags extract behaves like scan.`,
		Args: cobra.MaximumNArgs(1),
		RunE: extractCmd,
	}
	addScanFlags(extractCommand.Flags())
	addCarveFlags(extractCommand.Flags())
	extractCommand.Flags().IntVar(&index, "index", 0, "Write the Nth (1-based) plausible candidate to --out instead of the best one.")
	extractCommand.Flags().StringVar(&dumpAll, "dump-all", "", "Write every plausible candidate to this directory.")
	extractCommand.Flags().IntVar(&dumpTop, "dump-top", 0, "Also write this many suspect candidates.")
	extractCommand.Flags().StringVar(&guessesDir, "guesses-dir", "", "Directory receiving --dump-top candidates when --dump-all is not set.")
	rootCommand.AddCommand(extractCommand)

	// 'sig' subcommand.
	sigCommand := &cobra.Command{
		Use:   "sig [image]",
		Short: "Carve the metadata blob located through a signature.",
		Long: `Carves the metadata blob found by looking for a byte signature that sits a
fixed distance after its start.

The first occurrence of --signature is located, the blob starts
--header-offset bytes before it and ends at the end of the section
containing its start. No decoding is applied; use --magic-fix to repair
the header.`,
		Args: cobra.MaximumNArgs(1),
		RunE: sigCmd,
	}
	addCarveFlags(sigCommand.Flags())
	sigCommand.Flags().Var(&signature, "signature", "Signature to look for, in hex.")
	sigCommand.Flags().Int64Var(&headerOffset, "header-offset", carve.DefaultHeaderOffset, "Distance between the start of the blob and the signature.")
	rootCommand.AddCommand(sigCommand)

	// 'rebuild' subcommand.
	rebuildCommand := &cobra.Command{
		Use:   "rebuild [image]",
		Short: "Convert a memory capture of a module back to its on-disk layout.",
		Long: `Writes the on-disk layout rendition of a module image captured from
memory, either a --virtual image file or a module read from a --minidump.`,
		Args: cobra.MaximumNArgs(1),
		RunE: rebuildCmd,
	}
	rebuildCommand.Flags().StringVarP(&out, "out", "o", "", "Output path of the rebuilt image.")
	rootCommand.AddCommand(rebuildCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "metacarve\n%s\n", version.MetacarveVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print build details.")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	scan		Log scan statistics (default)
	carve		Log carved and skipped candidates
	capture		Log file mapping and module capture
	minidump	Log minidump loading
	layout		Log virtual to raw layout conversion

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addScanFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&sections, "sections", nil, "Comma separated list of sections to scan (default from the config file).")
	fs.StringSliceVar(&preferred, "preferred", nil, "Comma separated list of sections whose candidates are ranked first.")
	fs.StringSliceVar(&modes, "modes", nil, "Scan passes to run: plain, rev, xor1, xor4 (default all).")
	fs.BoolVar(&scanAll, "scan-all", false, "Scan the entire image, not only the selected sections.")
	fs.BoolVar(&noVersionCheck, "no-version-check", false, "Treat every decoded magic as plausible.")
	fs.IntVar(&suspectRows, "suspects", 10, "Number of suspect candidates to list, 0 lists all of them.")
}

func addCarveFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&out, "out", "o", "", "Write the selected candidate to this file.")
	fs.Int64Var(&extend, "extend", 0, "Carve this many bytes past the end of the section.")
	fs.Var(&magicFix, "magic-fix", "Eight bytes, in hex, written over the start of the carved blob.")
}

func printer(cmd *cobra.Command) *terminal.Printer {
	if f, ok := cmd.OutOrStdout().(*os.File); ok {
		return terminal.NewPrinter(f)
	}
	return terminal.NewPlainPrinter(cmd.OutOrStdout())
}

// openInput captures the module image selected by args and the input
// flags.
func openInput(args []string) (*capture.Capture, error) {
	if minidumpPath != "" {
		if len(args) > 0 {
			return nil, errors.New("an image path can not be used together with --minidump")
		}
		var c capture.Capturer = &capture.MinidumpCapturer{Path: minidumpPath}
		return c.CaptureModuleImage(pid, module)
	}
	if len(args) == 0 {
		return nil, errors.New("you must provide the path of a module image or a --minidump")
	}
	prov, err := image.ParseProvenance(layout)
	if err != nil {
		return nil, err
	}
	if virtual {
		prov = image.VirtualLayout
	}
	return capture.OpenFile(args[0], prov)
}

func loadTarget(args []string) (*extract.Target, func(), error) {
	c, err := openInput(args)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := extract.Prepare(c.Data, c.Provenance)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("%s: %w", c.Source, err)
	}
	return tgt, func() { c.Close() }, nil
}

func scanOptions(cmd *cobra.Command) (scan.Options, error) {
	opts := scan.Options{
		Sections:       conf.SectionFilter(),
		ScanAll:        scanAll,
		NoVersionCheck: noVersionCheck,
	}
	if cmd.Flags().Changed("sections") {
		opts.Sections = sections
	}
	for _, s := range modes {
		m, err := scan.ParseMode(s)
		if err != nil {
			return opts, err
		}
		opts.Modes = append(opts.Modes, m)
	}
	return opts, nil
}

func preferredSections(cmd *cobra.Command) []string {
	if cmd.Flags().Changed("preferred") {
		return preferred
	}
	return conf.Preferred()
}

func carveOptions(cmd *cobra.Command) (carve.Options, error) {
	opts := carve.Options{Extend: conf.ExtendBytes()}
	if cmd.Flags().Changed("extend") {
		opts.Extend = extend
	}
	switch {
	case cmd.Flags().Changed("magic-fix"):
		opts.Override = magicFix
	case conf.MagicFix != "":
		b, err := config.ParseHex(conf.MagicFix)
		if err != nil {
			return opts, err
		}
		opts.Override = b
	}
	if opts.Override != nil && len(opts.Override) != carve.OverrideSize {
		return opts, carve.ErrBadOverride
	}
	return opts, nil
}

func runScan(cmd *cobra.Command, args []string) (*extract.Target, *scan.Result, func(), error) {
	opts, err := scanOptions(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	tgt, done, err := loadTarget(args)
	if err != nil {
		return nil, nil, nil, err
	}
	res := tgt.Scan(opts, preferredSections(cmd))

	p := printer(cmd)
	p.Sections(tgt.Image, res.Stats.Ranges)
	p.Stats(&res.Stats)
	p.Candidates("Plausible", res.Plausible, 0)
	p.Candidates("Suspects", res.Suspects, suspectRows)
	if len(res.Plausible) == 0 && len(res.Suspects) > 0 {
		p.Warn("no plausible candidate, inspect the suspects with --dump-top or retry with --no-version-check")
	}
	return tgt, res, done, nil
}

func scanCmd(cmd *cobra.Command, args []string) error {
	_, _, done, err := runScan(cmd, args)
	if err != nil {
		return err
	}
	done()
	return nil
}

func extractCmd(cmd *cobra.Command, args []string) error {
	copts, err := carveOptions(cmd)
	if err != nil {
		return err
	}
	tgt, res, done, err := runScan(cmd, args)
	if err != nil {
		return err
	}
	defer done()

	opts := &extract.Options{
		Carve:          copts,
		NoVersionCheck: noVersionCheck,
		Out:            out,
		Index:          index,
		DumpAll:        dumpAll,
		DumpTop:        dumpTop,
		GuessesDir:     conf.Guesses(),
	}
	if cmd.Flags().Changed("guesses-dir") {
		opts.GuessesDir = guessesDir
	}
	outs, err := tgt.Extract(res, opts)
	p := printer(cmd)
	for i := range outs {
		p.Wrote(outs[i].Path, &outs[i].Candidate, outs[i].Size)
	}
	return err
}

func sigCmd(cmd *cobra.Command, args []string) error {
	copts, err := carveOptions(cmd)
	if err != nil {
		return err
	}
	sig := []byte(signature)
	if !cmd.Flags().Changed("signature") && conf.Signature != "" {
		sig, err = config.ParseHex(conf.Signature)
		if err != nil {
			return err
		}
	}
	if len(sig) == 0 {
		return errors.New("you must provide a --signature")
	}
	if out == "" {
		return errors.New("you must provide an output path with --out")
	}
	backOffset := conf.BackOffset(carve.DefaultHeaderOffset)
	if cmd.Flags().Changed("header-offset") {
		backOffset = headerOffset
	}

	tgt, done, err := loadTarget(args)
	if err != nil {
		return err
	}
	defer done()

	o, err := tgt.ExtractSignature(sig, backOffset, copts, out)
	if err != nil {
		return err
	}
	p := printer(cmd)
	p.Wrote(o.Path, &o.Candidate, o.Size)
	if c := &o.Candidate; c.HasVersion && !scan.PlausibleVersion(c.Version) && copts.Override == nil {
		p.Warn("version %d at %#x is not plausible, the header may need --magic-fix", c.Version, c.Offset)
	}
	return nil
}

func rebuildCmd(cmd *cobra.Command, args []string) error {
	if out == "" {
		return errors.New("you must provide an output path with --out")
	}
	tgt, done, err := loadTarget(args)
	if err != nil {
		return err
	}
	defer done()
	if !tgt.Converted {
		return errors.New("the input image is already in raw layout, use --virtual or --minidump")
	}
	if err := tgt.Rebuild(out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d sections into %s (%d bytes)\n", len(tgt.Image.Sections), out, len(tgt.Data))
	return nil
}
