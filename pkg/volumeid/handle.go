// Package volumeid encodes and parses the CSI volume handle.
//
// The wire format is `<protocol>:<pool>/<parent>/<name>[?k=v&...]`. The
// handle is the sole persistent identity of a volume: everything a node
// needs to mount it, and everything the controller needs to locate the
// backing dataset or ZVOL, round-trips through Parse/String.
package volumeid

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Protocol identifies the transport used to present a volume.
type Protocol string

// Recognized protocols.
const (
	ProtocolNFS    Protocol = "nfs"
	ProtocolNVMeOF Protocol = "nvmeof"
	ProtocolISCSI  Protocol = "iscsi"
)

// Static errors for handle parsing.
var (
	ErrEmptyHandle     = errors.New("volume handle is empty")
	ErrMissingProtocol = errors.New("volume handle is missing a protocol prefix")
	ErrUnknownProtocol = errors.New("volume handle has an unrecognized protocol")
	ErrMalformedPath   = errors.New("volume handle path must be pool/parent/name")
)

// Handle is the parsed form of a CSI volume handle.
//
//nolint:govet // field order optimized for readability
type Handle struct {
	Protocol Protocol
	Pool     string
	Parent   string
	Name     string
	Meta     map[string]string
}

// Parse decodes a volume handle string into its tuple form.
func Parse(raw string) (*Handle, error) {
	if raw == "" {
		return nil, ErrEmptyHandle
	}

	protoAndRest := strings.SplitN(raw, ":", 2)
	if len(protoAndRest) != 2 {
		return nil, ErrMissingProtocol
	}

	proto := Protocol(protoAndRest[0])
	switch proto {
	case ProtocolNFS, ProtocolNVMeOF, ProtocolISCSI:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, proto)
	}

	pathAndQuery := protoAndRest[1]
	path := pathAndQuery
	query := ""
	if idx := strings.IndexByte(pathAndQuery, '?'); idx >= 0 {
		path = pathAndQuery[:idx]
		query = pathAndQuery[idx+1:]
	}

	segments := strings.SplitN(path, "/", 3)
	if len(segments) < 3 || segments[0] == "" || segments[1] == "" || segments[2] == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedPath, path)
	}

	h := &Handle{
		Protocol: proto,
		Pool:     segments[0],
		Parent:   segments[1],
		Name:     segments[2],
		Meta:     map[string]string{},
	}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, fmt.Errorf("parsing handle query: %w", err)
		}
		for k := range values {
			h.Meta[k] = values.Get(k)
		}
	}

	return h, nil
}

// String encodes the handle back into its wire form. Meta keys are
// emitted in sorted order so String is stable for a given Handle value,
// which keeps Parse(h.String()) idempotent and logs deterministic.
func (h *Handle) String() string {
	var b strings.Builder
	b.WriteString(string(h.Protocol))
	b.WriteByte(':')
	b.WriteString(h.Pool)
	b.WriteByte('/')
	b.WriteString(h.Parent)
	b.WriteByte('/')
	b.WriteString(h.Name)

	if len(h.Meta) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(h.Meta))
	for k := range h.Meta {
		keys = append(keys, k)
	}
	sortStrings(keys)

	vals := url.Values{}
	for _, k := range keys {
		vals.Set(k, h.Meta[k])
	}

	b.WriteByte('?')
	b.WriteString(vals.Encode())
	return b.String()
}

// DatasetPath is the pool-relative path of the backing dataset/ZVOL,
// i.e. "<parent>/<name>" without the pool prefix the backend already
// implies via the parent dataset tree.
func (h *Handle) DatasetPath() string {
	return h.Parent + "/" + h.Name
}

// FullPath is the pool-qualified dataset path, "<pool>/<parent>/<name>".
func (h *Handle) FullPath() string {
	return h.Pool + "/" + h.DatasetPath()
}

// MetaInt reads a Meta value as an int, returning 0 if absent or unparseable.
func (h *Handle) MetaInt(key string) int {
	v, ok := h.Meta[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// New builds a Handle from its components, copying meta so callers may
// reuse the map they passed in.
func New(protocol Protocol, pool, parent, name string, meta map[string]string) *Handle {
	m := make(map[string]string, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	return &Handle{Protocol: protocol, Pool: pool, Parent: parent, Name: name, Meta: m}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
