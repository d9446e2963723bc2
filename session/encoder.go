package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// CurrentSchemaVersion is the binary layout written by [Encode].
	CurrentSchemaVersion uint8 = 2

	sessionFormatVersionV1 uint8 = 1
)

// Encode serialises s in the current binary layout. The session id is not
// part of the blob; it is the Redis key.
//
// v2 layout: version | principal | nickname | role | ip | userAgent(u16 len) |
// loginTime(i64) | lastActivity(i64). v1 had no ip or user agent.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(32 + len(s.PrincipalID) + len(s.Nickname) + len(s.Role) + len(s.IP) + len(s.UserAgent))

	buf.WriteByte(CurrentSchemaVersion)

	if err := writeShortString(&buf, "principalID", s.PrincipalID); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, "nickname", s.Nickname); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, "role", s.Role); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, "ip", s.IP); err != nil {
		return nil, err
	}

	if len(s.UserAgent) > 0xFFFF {
		return nil, errors.New("userAgent too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(s.UserAgent))); err != nil {
		return nil, err
	}
	buf.WriteString(s.UserAgent)

	if err := binary.Write(&buf, binary.BigEndian, s.LoginTime); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.LastActivity); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a blob written by any supported schema version.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion && version != sessionFormatVersionV1 {
		return nil, fmt.Errorf("unsupported session schema version %d", version)
	}

	s := &Session{SchemaVersion: version}

	if s.PrincipalID, err = readShortString(reader); err != nil {
		return nil, err
	}
	if s.Nickname, err = readShortString(reader); err != nil {
		return nil, err
	}
	if s.Role, err = readShortString(reader); err != nil {
		return nil, err
	}

	if version >= CurrentSchemaVersion {
		if s.IP, err = readShortString(reader); err != nil {
			return nil, err
		}

		var uaLen uint16
		if err := binary.Read(reader, binary.BigEndian, &uaLen); err != nil {
			return nil, err
		}
		ua := make([]byte, uaLen)
		if _, err := io.ReadFull(reader, ua); err != nil {
			return nil, err
		}
		s.UserAgent = string(ua)
	}

	if err := binary.Read(reader, binary.BigEndian, &s.LoginTime); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.LastActivity); err != nil {
		return nil, err
	}

	return s, nil
}

func writeShortString(buf *bytes.Buffer, field, v string) error {
	if len(v) > 255 {
		return fmt.Errorf("%s too long", field)
	}
	buf.WriteByte(byte(len(v)))
	buf.WriteString(v)
	return nil
}

func readShortString(reader *bytes.Reader) (string, error) {
	n, err := reader.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", err
	}
	return string(b), nil
}
