// Command rt73 programs the Retevis RT73 (Kydera CDR-300UV) over its USB
// serial cable.
//
// Usage:
//
//	rt73 [flags] <action> <file>
//
// Actions:
//
//	download          Download the codeplug and save it as JSON
//	upload            Compile a JSON codeplug and upload it
//	download-bin      Download the codeplug as a raw binary image
//	upload-bin        Upload a raw binary codeplug image
//	decompile-bin     Convert a raw binary image to JSON without a radio
//	flash             Flash a firmware file (power on holding P1 first)
//	upload-userdb     Upload a RadioID.net CSV user database
//	upload-hamgroups  Upload a talkgroup CSV (GROUP_ID, GROUP_NAME)
//
// Flags:
//
//	-device string       Serial port (default "/dev/ttyUSB0")
//	-baud int            Baud rate (default 115200)
//	-record-bytes int    User database record size, 16 or 128 (default 128)
//	-log-level string    Log level: debug, info, warn, error (default "warn")
//	-no-verify           Skip read-back verification after codeplug writes
//
// Examples:
//
//	rt73 download backup.json
//	rt73 -device /dev/ttyACM0 upload codeplug.json
//	rt73 flash RT73_V3.03.bin
//	rt73 -record-bytes 16 upload-userdb users.csv
//	rt73 upload-hamgroups groups.csv
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dmrtools/rt73-go/core/codeplug"
	"github.com/dmrtools/rt73-go/core/firmware"
	"github.com/dmrtools/rt73-go/core/radiodef"
	"github.com/dmrtools/rt73-go/device/flasher"
	"github.com/dmrtools/rt73-go/device/session"
	"github.com/dmrtools/rt73-go/transport/serial"
)

// codeplugFile is the on-disk JSON shape of a decoded codeplug.
type codeplugFile struct {
	Radio   string             `json:"radio"`
	Version string             `json:"version"`
	Records codeplug.RecordSet `json:"records"`
}

type options struct {
	device      string
	baud        int
	recordBytes int
	logLevel    string
	noVerify    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rt73:", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flag.StringVar(&opts.device, "device", "/dev/ttyUSB0", "serial port the radio is connected to")
	flag.IntVar(&opts.baud, "baud", serial.DefaultBaudRate, "serial baud rate")
	flag.IntVar(&opts.recordBytes, "record-bytes", 128, "user database record size (16 or 128)")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flag.BoolVar(&opts.noVerify, "no-verify", false, "skip read-back verification after codeplug writes")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: rt73 [flags] <action> <file>\n\nActions: download, upload, download-bin, upload-bin, decompile-bin, flash, upload-userdb, upload-hamgroups\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		return fmt.Errorf("expected an action and a file, got %d arguments", flag.NArg())
	}
	action, file := flag.Arg(0), flag.Arg(1)

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}

	def, err := radiodef.RT73()
	if err != nil {
		return fmt.Errorf("loading radio definition: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if action == "decompile-bin" {
		return decompileBin(def, file)
	}

	link := serial.New(serial.Config{Port: opts.device, BaudRate: opts.baud, Logger: logger})

	if action == "flash" {
		return flashFirmware(ctx, def, link, logger, file)
	}

	sess, err := session.New(session.Config{
		Link:       link,
		Definition: def,
		Logger:     logger,
		Progress:   printProgress,
		SkipVerify: opts.noVerify,
	})
	if err != nil {
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Close()
	fmt.Fprintf(os.Stderr, "Connected: %s\n", sess.Ident())

	switch action {
	case "download":
		return download(ctx, sess, def, file)
	case "upload":
		return upload(ctx, sess, def, file)
	case "download-bin":
		return downloadBin(ctx, sess, file)
	case "upload-bin":
		return uploadBin(ctx, sess, def, file)
	case "upload-userdb":
		return uploadUserDB(ctx, sess, def, opts.recordBytes, file)
	case "upload-hamgroups":
		return uploadHamGroups(ctx, sess, def, file)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func printProgress(stage string, done, total int) {
	fmt.Fprintf(os.Stderr, "\r%s: %d/%d bytes (%d%%)", stage, done, total, done*100/total)
	if done == total {
		fmt.Fprintln(os.Stderr)
	}
}

func download(ctx context.Context, sess *session.Session, def *radiodef.Definition, file string) error {
	image, err := sess.Download(ctx)
	if err != nil {
		return err
	}
	return writeJSON(def, image, file)
}

func upload(ctx context.Context, sess *session.Session, def *radiodef.Definition, file string) error {
	image, err := compileJSON(def, file)
	if err != nil {
		return err
	}
	return sess.Upload(ctx, image)
}

func downloadBin(ctx context.Context, sess *session.Session, file string) error {
	image, err := sess.Download(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(file, image, 0o644)
}

func uploadBin(ctx context.Context, sess *session.Session, def *radiodef.Definition, file string) error {
	image, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	// Catch malformed images before touching the radio.
	if _, err := codeplug.Decode(def, image); err != nil {
		return fmt.Errorf("%s does not hold a valid codeplug: %w", file, err)
	}
	return sess.Upload(ctx, image)
}

func decompileBin(def *radiodef.Definition, file string) error {
	image, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	out := strings.TrimSuffix(file, ".bin") + ".json"
	if err := writeJSON(def, image, out); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
	return nil
}

func uploadUserDB(ctx context.Context, sess *session.Session, def *radiodef.Definition, recordBytes int, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := codeplug.ReadUserCSV(f)
	if err != nil {
		return err
	}
	db, err := codeplug.BuildUserDB(records, recordBytes, def.Protocol.BlockSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Uploading %d user records in %d blocks\n", db.Count, db.Blocks())
	return sess.UploadUserDB(ctx, db)
}

func uploadHamGroups(ctx context.Context, sess *session.Session, def *radiodef.Definition, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := codeplug.ReadGroupCSV(f)
	if err != nil {
		return err
	}
	db, err := codeplug.BuildGroupDB(records, def.Protocol.BlockSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Uploading %d talkgroups in %d blocks\n", db.Count, db.Blocks())
	return sess.UploadGroupDB(ctx, db)
}

func flashFirmware(ctx context.Context, def *radiodef.Definition, link *serial.Link, logger *slog.Logger, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	img, err := firmware.New(data, def.Protocol.BlockSize)
	if err != nil {
		return err
	}
	if err := link.Open(); err != nil {
		return err
	}
	defer link.Close()

	fmt.Fprintf(os.Stderr, "Flashing %d bytes in %d chunks\n", img.Size(), img.Chunks())
	fl := flasher.New(flasher.Config{
		Link:     link,
		Protocol: def.Protocol,
		Logger:   logger,
		Progress: func(phase flasher.Phase, done, total int) {
			if phase == flasher.PhaseProgramming {
				fmt.Fprintf(os.Stderr, "\r%s: chunk %d/%d", phase, done, total)
				if done == total {
					fmt.Fprintln(os.Stderr)
				}
				return
			}
			fmt.Fprintf(os.Stderr, "%s...\n", phase)
		},
	})
	if err := fl.Flash(ctx, img); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Firmware flash complete")
	return nil
}

func writeJSON(def *radiodef.Definition, image []byte, file string) error {
	set, err := codeplug.Decode(def, image)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(codeplugFile{Radio: def.Radio, Version: def.Version, Records: set}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, append(data, '\n'), 0o644)
}

func compileJSON(def *radiodef.Definition, file string) ([]byte, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var cp codeplugFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", file, err)
	}
	if cp.Radio != "" && cp.Radio != def.Radio {
		return nil, fmt.Errorf("codeplug is for %q, radio definition is %q", cp.Radio, def.Radio)
	}
	return codeplug.Encode(def, cp.Records)
}
