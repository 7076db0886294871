package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/camcloud-dev/camagent/cmd/camsync/app"
	"github.com/camcloud-dev/camagent/internal"
	"github.com/camcloud-dev/camagent/pkg/logging"
	flag "github.com/spf13/pflag"
)

var usg = `Usage of %s:

%s uploads recorded video from a local recordings tree to S3-compatible
storage, skipping every stretch the bucket already holds. Each slice is
probed before upload and decode-time regressions are reported.

The recordings tree is the agent's local timeline layout
(<root>/<YYYYMMDD>/<HH>/<begin>_<end>.mp4). Times accept the canonical
form 2006-01-02T15:04:05[.ffffff] or the packed form 20060102T150405.
Credentials and region left empty fall back to the AWS SDK default chain;
the bucket and prefix fall back to CAMSYNC_BUCKET and CAMSYNC_PREFIX.

$ %s -s /var/spool/camagent -b 2026-08-24T00:00:00 -e 2026-08-25T00:00:00 --bucket cam-archive
`

func parseOptions() *app.Options {
	name := os.Args[0]
	o := app.Options{}
	flag.StringVarP(&o.SrcDir, "src", "s", ".", "recordings tree to upload from")
	flag.StringVarP(&o.Begin, "begin", "b", "", "range begin (required)")
	flag.StringVarP(&o.End, "end", "e", "", "range end (required)")
	flag.DurationVarP(&o.Step, "step", "", 15*time.Second, "window size one sync step covers")
	flag.IntVarP(&o.Workers, "workers", "w", 2, "concurrent uploads")
	flag.StringVarP(&o.Endpoint, "endpoint", "", "", "S3 endpoint override")
	flag.StringVarP(&o.Region, "region", "", "", "bucket region")
	flag.StringVarP(&o.Bucket, "bucket", "", "", "destination bucket")
	flag.StringVarP(&o.Prefix, "prefix", "", "", "object key prefix")
	flag.StringVarP(&o.AccessKey, "accesskey", "", "", "static access key")
	flag.StringVarP(&o.SecretKey, "secretkey", "", "", "static secret key")
	flag.BoolVarP(&o.PathStyle, "pathstyle", "", false, "path-style bucket addressing")
	logFormatUsage := fmt.Sprintf("format and type of log: %v", logging.LogFormats)
	flag.StringVarP(&o.LogFormat, "logformat", "", "text", logFormatUsage)
	flag.StringVarP(&o.LogLevel, "loglevel", "", "info", "initial log level")
	flag.BoolVarP(&o.Version, "version", "v", false, "print version and date")
	flag.CommandLine.SortFlags = false // keep help output order as declared

	flag.Usage = func() {
		parts := strings.Split(name, "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, usg, name, name, name)
		fmt.Fprintf(os.Stderr, "\nRun as %s [options]\n\n", name)
		flag.PrintDefaults()
		os.Exit(2)
	}

	flag.Parse()
	internal.CheckVersion(o.Version)

	if o.Bucket == "" {
		o.Bucket = os.Getenv("CAMSYNC_BUCKET")
	}
	if o.Prefix == "" {
		o.Prefix = os.Getenv("CAMSYNC_PREFIX")
	}
	if o.Begin == "" || o.End == "" || o.Bucket == "" {
		flag.Usage()
	}

	return &o
}

func main() {
	o := parseOptions()

	if err := logging.InitSlog(o.LogLevel, o.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %s\n", err.Error())
		os.Exit(1)
	}

	if err := app.Run(o); err != nil {
		slog.Error("camsync failed", "err", err)
		os.Exit(1)
	}
}
