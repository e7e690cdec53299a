package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

const defaultAuditsPerHour = 1
const defaultMaxClockSkew = time.Second * 300
const defaultProbationHours = 24
const defaultListenPort = "8080"

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions is a flag the indicates if the infomesh instance is running in API or consumer mode
	ConsumeNATSStreamingSubscriptions bool

	// AuditsPerHour is the number of random audits this node schedules per hour
	AuditsPerHour int

	// MaxClockSkew is the maximum tolerated distance between an envelope timestamp and local time
	MaxClockSkew time.Duration

	// ProbationHours is the length of the probation window applied to newly seen peers
	ProbationHours float64

	// KeyPath is the path of the hex-encoded node identity key
	KeyPath string

	// ListenPort is the port the API listens on
	ListenPort string

	// PersistState is true when node state is kept in the configured database instead of memory
	PersistState bool

	// OperatorToken is the bearer token required by operator-only API routes; when empty those routes are disabled
	OperatorToken string
)

func init() {
	godotenv.Load()

	requireLogger()
	requireConfig()
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("infomesh", lvl, endpoint)
}

func requireConfig() {
	ConsumeNATSStreamingSubscriptions = strings.ToLower(os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS")) == "true"

	AuditsPerHour = defaultAuditsPerHour
	if os.Getenv("INFOMESH_AUDITS_PER_HOUR") != "" {
		n, err := strconv.Atoi(os.Getenv("INFOMESH_AUDITS_PER_HOUR"))
		if err != nil || n <= 0 {
			Log.Warningf("ignoring invalid INFOMESH_AUDITS_PER_HOUR: %s", os.Getenv("INFOMESH_AUDITS_PER_HOUR"))
		} else {
			AuditsPerHour = n
		}
	}

	MaxClockSkew = defaultMaxClockSkew
	if os.Getenv("INFOMESH_MAX_CLOCK_SKEW") != "" {
		skew, err := time.ParseDuration(os.Getenv("INFOMESH_MAX_CLOCK_SKEW"))
		if err != nil || skew <= 0 {
			Log.Warningf("ignoring invalid INFOMESH_MAX_CLOCK_SKEW: %s", os.Getenv("INFOMESH_MAX_CLOCK_SKEW"))
		} else {
			MaxClockSkew = skew
		}
	}

	ProbationHours = defaultProbationHours
	if os.Getenv("INFOMESH_PROBATION_HOURS") != "" {
		hours, err := strconv.ParseFloat(os.Getenv("INFOMESH_PROBATION_HOURS"), 64)
		if err != nil || hours < 0 {
			Log.Warningf("ignoring invalid INFOMESH_PROBATION_HOURS: %s", os.Getenv("INFOMESH_PROBATION_HOURS"))
		} else {
			ProbationHours = hours
		}
	}

	KeyPath = os.Getenv("INFOMESH_KEY_PATH")
	OperatorToken = os.Getenv("INFOMESH_OPERATOR_TOKEN")

	PersistState = os.Getenv("DATABASE_HOST") != ""

	ListenPort = os.Getenv("PORT")
	if ListenPort == "" {
		ListenPort = defaultListenPort
	}
}
