package comet

import (
	"fmt"
	"strconv"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// SessionId is the client visible session key, encoded as 4 hex digits.
type SessionId uint16

func ParseSessionId(sessionIdStr string) (SessionId, error) {
	if sessionIdStr == "" {
		return 0, fmt.Errorf("Invalid session id: %q", sessionIdStr)
	}
	value, err := strconv.ParseUint(sessionIdStr, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("Invalid session id: %q", sessionIdStr)
	}
	return SessionId(value), nil
}

func (self SessionId) String() string {
	return fmt.Sprintf("%04x", uint16(self))
}

// TransportId is the client chosen id of a logical channel.
type TransportId = int64

func ParseTransportId(transportIdStr string) (TransportId, error) {
	return strconv.ParseInt(transportIdStr, 10, 64)
}

func transportIdKey(transportId TransportId) string {
	return strconv.FormatInt(transportId, 10)
}
