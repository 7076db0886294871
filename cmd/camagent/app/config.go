package app

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"

	"github.com/camcloud-dev/camagent/pkg/camproto"
	"github.com/camcloud-dev/camagent/pkg/logging"
)

// StorageConfig selects the S3 bucket used for the remote timeline index
// and the camsync tool. An empty bucket disables the index refresher.
type StorageConfig struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"accesskey"`
	SecretKey string `json:"secretkey"`
	PathStyle bool   `json:"pathstyle"`
}

// AgentConfig carries every tunable of the agent. Seconds-valued options
// keep the integer form they have on the command line; use the duration
// accessors when wiring components.
type AgentConfig struct {
	LogFormat     string `json:"logformat"`
	LogLevel      string `json:"loglevel"`
	Token         string `json:"token"`
	CamLabel      string `json:"camlabel"`
	RecordingsDir string `json:"recordingsdir"`
	OpsPort       int    `json:"opsport"`

	RecordByEventUploadStepS                int  `json:"recordbyeventuploadstep"`
	DelayBetweenEventAndRecordsUploadStartS int  `json:"delaybetweeneventandrecordsuploadstart"`
	DefaultPreRecordTimeS                   int  `json:"defaultprerecordtime"`
	DefaultPostRecordTimeS                  int  `json:"defaultpostrecordtime"`
	MaxPreRecordTimeS                       int  `json:"maxprerecordtime"`
	MaxPostRecordTimeS                      int  `json:"maxpostrecordtime"`
	MaxConcurrentVideoUploads               int  `json:"maxconcurrentvideouploads"`
	MaxConcurrentSnapshotUploads            int  `json:"maxconcurrentsnapshotuploads"`
	MaxConcurrentFileMetaUploads            int  `json:"maxconcurrentfilemetauploads"`
	MaxUploadSpeed                          int  `json:"maxuploadspeed"`
	MaxVideoUploadsQueueLatenessS           int  `json:"maxvideouploadsqueuelateness"`
	InsecureCloudChannel                    bool `json:"insecurecloudchannel"`
	AllowInvalidSSLCerts                    bool `json:"allowinvalidsslcerts"`
	StatefulEventContinuationKickSnapshot   bool `json:"statefuleventcontinuationkicksnapshot"`

	Storage StorageConfig `json:"storage"`

	Version bool `json:"-"`
}

var DefaultConfig = AgentConfig{
	LogFormat:                               "text",
	LogLevel:                                "INFO",
	CamLabel:                                "camagent",
	OpsPort:                                 8989,
	RecordByEventUploadStepS:                15,
	DelayBetweenEventAndRecordsUploadStartS: 30,
	DefaultPreRecordTimeS:                   5,
	DefaultPostRecordTimeS:                  5,
	MaxPreRecordTimeS:                       30,
	MaxPostRecordTimeS:                      30,
	MaxConcurrentVideoUploads:               2,
	MaxConcurrentSnapshotUploads:            4,
	MaxConcurrentFileMetaUploads:            6,
	MaxUploadSpeed:                          0,
	MaxVideoUploadsQueueLatenessS:           300,
}

// UploadStep is the sync chunk size.
func (c *AgentConfig) UploadStep() time.Duration {
	return time.Duration(c.RecordByEventUploadStepS) * time.Second
}

// UploadStartDelay is the initial delay for event-triggered syncs.
func (c *AgentConfig) UploadStartDelay() time.Duration {
	return time.Duration(c.DelayBetweenEventAndRecordsUploadStartS) * time.Second
}

// PreRecordTime is the event pre-roll, already capped at load time.
func (c *AgentConfig) PreRecordTime() time.Duration {
	return time.Duration(c.DefaultPreRecordTimeS) * time.Second
}

// PostRecordTime is the event post-roll, already capped at load time.
func (c *AgentConfig) PostRecordTime() time.Duration {
	return time.Duration(c.DefaultPostRecordTimeS) * time.Second
}

// QueueLateness is how old a planned video upload may get before it is
// dropped instead of sent.
func (c *AgentConfig) QueueLateness() time.Duration {
	return time.Duration(c.MaxVideoUploadsQueueLatenessS) * time.Second
}

// LoadConfig loads defaults, config file, command line, and finally applies
// environment variables (CAMAGENT_ prefix, underscores become dots).
//
// RecordingsDir is made absolute against cwd.
func LoadConfig(args []string, cwd string) (*AgentConfig, error) {
	// First set default values
	k := koanf.New(".")
	defaults := DefaultConfig
	if err := k.Load(structs.Provider(defaults, "json"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	f := pflag.NewFlagSet("camagent", pflag.ContinueOnError)
	f.Usage = func() {
		parts := strings.Split(args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, "Run as %s [options]:\n", name)
		f.PrintDefaults()
	}
	// Path to a config file to load into koanf along with some config params.
	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.String("token", k.String("token"), "base64 access token binding the device to an account (required)")
	f.String("camlabel", k.String("camlabel"), "camera label announced in cam_register")
	f.String("recordingsdir", k.String("recordingsdir"), "local recordings directory (empty = no memory card)")
	f.Int("opsport", k.Int("opsport"), "localhost diagnostics HTTP port (0 disables)")
	lf := strings.Join(logging.LogFormats, ", ")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", lf))
	ll := strings.Join(logging.LogLevels, ", ")
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", ll))
	f.Int("recordbyeventuploadstep", k.Int("recordbyeventuploadstep"), "sync chunk size (seconds)")
	f.Int("delaybetweeneventandrecordsuploadstart", k.Int("delaybetweeneventandrecordsuploadstart"),
		"initial delay for event-triggered syncs (seconds)")
	f.Int("defaultprerecordtime", k.Int("defaultprerecordtime"), "event pre-roll (seconds)")
	f.Int("defaultpostrecordtime", k.Int("defaultpostrecordtime"), "event post-roll (seconds)")
	f.Int("maxprerecordtime", k.Int("maxprerecordtime"), "cap for the event pre-roll (seconds)")
	f.Int("maxpostrecordtime", k.Int("maxpostrecordtime"), "cap for the event post-roll (seconds)")
	f.Int("maxconcurrentvideouploads", k.Int("maxconcurrentvideouploads"), "video upload slots")
	f.Int("maxconcurrentsnapshotuploads", k.Int("maxconcurrentsnapshotuploads"), "snapshot upload slots")
	f.Int("maxconcurrentfilemetauploads", k.Int("maxconcurrentfilemetauploads"), "file-meta upload slots")
	f.Int("maxuploadspeed", k.Int("maxuploadspeed"), "upload rate cap per transfer (bytes/s, 0 = unlimited)")
	f.Int("maxvideouploadsqueuelateness", k.Int("maxvideouploadsqueuelateness"),
		"drop queued video uploads older than this (seconds)")
	f.Bool("insecurecloudchannel", k.Bool("insecurecloudchannel"), "use ws/http/rtmp instead of wss/https/rtmps")
	f.Bool("allowinvalidsslcerts", k.Bool("allowinvalidsslcerts"), "skip TLS certificate verification")
	f.Bool("statefuleventcontinuationkicksnapshot", k.Bool("statefuleventcontinuationkicksnapshot"),
		"attach snapshots to state-emulation dummy events")
	f.String("storage.endpoint", k.String("storage.endpoint"), "S3 endpoint URL (empty = AWS)")
	f.String("storage.region", k.String("storage.region"), "S3 region")
	f.String("storage.bucket", k.String("storage.bucket"), "S3 bucket for the remote timeline index")
	f.String("storage.prefix", k.String("storage.prefix"), "S3 key prefix")
	f.String("storage.accesskey", k.String("storage.accesskey"), "S3 access key (empty = default chain)")
	f.String("storage.secretkey", k.String("storage.secretkey"), "S3 secret key")
	f.Bool("storage.pathstyle", k.Bool("storage.pathstyle"), "use path-style S3 addressing")
	version := f.BoolP("version", "v", false, "print version and exit")
	if err := f.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("command line parse: %w", err)
	}

	// Load the config file provided on the command line.
	if *cfgFile != "" {
		cf := file.Provider(*cfgFile)
		if err := k.Load(cf, json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// Possibly override config file with command line parameters
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parsing cli: %v", err)
	}

	// Overload with environment variables
	if err := k.Load(env.Provider("CAMAGENT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CAMAGENT_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("parsing env: %v", err)
	}

	// Make recordingsdir absolute in case it is not already
	recDir := k.String("recordingsdir")
	if recDir != "" && !path.IsAbs(recDir) {
		recDir = path.Join(cwd, recDir)
		if err := k.Load(confmap.Provider(map[string]any{
			"recordingsdir": recDir,
		}, "."), nil); err != nil {
			return nil, fmt.Errorf("absolute recordingsdir: %v", err)
		}
	}

	// Unmarshal into cfg
	var cfg AgentConfig
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Version = *version

	// Pre/post rolls are capped, not rejected.
	if cfg.DefaultPreRecordTimeS > cfg.MaxPreRecordTimeS {
		cfg.DefaultPreRecordTimeS = cfg.MaxPreRecordTimeS
	}
	if cfg.DefaultPostRecordTimeS > cfg.MaxPostRecordTimeS {
		cfg.DefaultPostRecordTimeS = cfg.MaxPostRecordTimeS
	}

	return &cfg, nil
}

// Validate checks everything the agent cannot run without. Called after the
// --version short circuit so a bare "camagent -v" needs no token.
func (c *AgentConfig) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if _, err := camproto.ParseToken(c.Token); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if c.RecordByEventUploadStepS < 1 {
		return fmt.Errorf("recordbyeventuploadstep must be >= 1, got %d", c.RecordByEventUploadStepS)
	}
	if c.MaxConcurrentVideoUploads < 1 ||
		c.MaxConcurrentSnapshotUploads < 1 ||
		c.MaxConcurrentFileMetaUploads < 1 {
		return errors.New("upload concurrency caps must be >= 1")
	}
	if c.MaxUploadSpeed < 0 {
		return fmt.Errorf("maxuploadspeed must be >= 0, got %d", c.MaxUploadSpeed)
	}
	return nil
}
