package variables

import (
	"log"
	"os"
	"strconv"
	"time"
)

const (
	HTTP_PORT_DEFAULT = "8090"
	HTTP_PORT_NAME    = "HTTP_PORT"

	STUN_SERVERS_DEFAULT = "stun:stun.l.google.com:19302"
	STUN_SERVERS_NAME    = "STUN_SERVERS"

	PEER_GRACE_PERIOD_DEFAULT = "7s"
	PEER_GRACE_PERIOD_NAME    = "PEER_GRACE_PERIOD"

	SIGNAL_RECONNECT_ATTEMPTS_DEFAULT = "5"
	SIGNAL_RECONNECT_ATTEMPTS_NAME    = "SIGNAL_RECONNECT_ATTEMPTS"

	SIGNAL_RECONNECT_BACKOFF_DEFAULT = "2s"
	SIGNAL_RECONNECT_BACKOFF_NAME    = "SIGNAL_RECONNECT_BACKOFF"

	LOG_LEVEL_DEFAULT = "info"
	LOG_LEVEL_NAME    = "LOG_LEVEL"
)

func Env(variableName, defaultValue string) string {
	if variable := os.Getenv(variableName); variable != "" {
		log.Printf("[%s]: %s", variableName, variable)
		return variable
	}
	return defaultValue
}

func ParseInt(value string) (int, error) {
	return strconv.Atoi(value)
}

func ParseDuration(value string) (time.Duration, error) {
	return time.ParseDuration(value)
}
