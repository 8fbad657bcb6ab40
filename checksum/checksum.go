package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/adler32"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/md4"
)

// Type identifies a checksum algorithm by its dcap wire number.
type Type int32

const (
	Adler32 Type = 1
	MD5     Type = 2
	MD4     Type = 3
)

func (t Type) String() string {
	switch t {
	case Adler32:
		return "ADLER32"
	case MD5:
		return "MD5"
	case MD4:
		return "MD4"
	}
	return fmt.Sprintf("TYPE_%d", int32(t))
}

// ParseType accepts either the algorithm name or its number.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADLER32", "1":
		return Adler32, nil
	case "MD5", "MD5_TYPE", "2":
		return MD5, nil
	case "MD4", "MD4_TYPE", "3":
		return MD4, nil
	}
	return 0, errors.Errorf("unknown checksum type %q", s)
}

// New returns a fresh digest for t.
func New(t Type) (hash.Hash, error) {
	switch t {
	case Adler32:
		return adler32.New(), nil
	case MD5:
		return md5.New(), nil
	case MD4:
		return md4.New(), nil
	}
	return nil, errors.Errorf("no digest for checksum type %d", int32(t))
}

// Checksum is a typed digest value.
type Checksum struct {
	Type  Type
	Value []byte
}

// String renders as "<type>:<hex>", the form stored in replica metadata.
func (c Checksum) String() string {
	return strconv.Itoa(int(c.Type)) + ":" + hex.EncodeToString(c.Value)
}

func (c Checksum) Equal(o Checksum) bool {
	return c.Type == o.Type && bytes.Equal(c.Value, o.Value)
}

func Parse(s string) (Checksum, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return Checksum{}, errors.Errorf("malformed checksum %q", s)
	}
	t, err := ParseType(s[:i])
	if err != nil {
		return Checksum{}, err
	}
	v, err := hex.DecodeString(s[i+1:])
	if err != nil {
		return Checksum{}, errors.Wrapf(err, "malformed checksum %q", s)
	}
	return Checksum{Type: t, Value: v}, nil
}
