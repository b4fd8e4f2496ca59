package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// JoinInfo is everything a device needs to join a session. It travels as a
// short code (see EncodeJoin) typed in or scanned by the joining device.
type JoinInfo struct {
	SessionID string `json:"sessionID"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	BlobPort  int    `json:"blobPort"`
	Secret    []byte `json:"secret,omitempty"`
	Epoch     uint64 `json:"epoch"`
}

// MetaAddr returns host:port of the metadata listener.
func (j JoinInfo) MetaAddr() string {
	return net.JoinHostPort(j.Host, strconv.Itoa(j.Port))
}

// BlobAddr returns host:port of the blob listener, or "" if none.
func (j JoinInfo) BlobAddr() string {
	if j.BlobPort == 0 {
		return ""
	}
	return net.JoinHostPort(j.Host, strconv.Itoa(j.BlobPort))
}

// Validate checks the fields a join cannot proceed without.
func (j JoinInfo) Validate() error {
	switch {
	case j.SessionID == "":
		return errors.New("join info: missing session id")
	case j.Host == "":
		return errors.New("join info: missing host")
	case j.Port <= 0 || j.Port > 65535:
		return fmt.Errorf("join info: bad port %d", j.Port)
	case j.BlobPort < 0 || j.BlobPort > 65535:
		return fmt.Errorf("join info: bad blob port %d", j.BlobPort)
	}
	return nil
}

// EncodeJoin renders j as URL-safe base64 JSON.
func EncodeJoin(j JoinInfo) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode join info: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeJoin parses a code produced by EncodeJoin.
func DecodeJoin(code string) (JoinInfo, error) {
	var j JoinInfo
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return j, fmt.Errorf("decode join code: %w", err)
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return j, fmt.Errorf("decode join code: %w", err)
	}
	if err := j.Validate(); err != nil {
		return j, err
	}
	return j, nil
}
