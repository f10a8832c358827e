// Package busaddr parses and formats the address strings used to reach a
// bus or peer, and the handful of naming helpers (unique-name detection,
// standard bus discovery) that hang off that same string format.
package busaddr

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/buslink/buslink/pkg/buserr"
)

// Kind distinguishes the address forms a ConnectAddress may take.
type Kind int

const (
	KindUnixPath Kind = iota
	KindUnixAbstract
	// KindUnixDir, KindUnixTmpdir, and KindUnixRuntime are server-only:
	// the listener picks a fresh socket name inside the named directory
	// (or, for Runtime, inside the runtime directory) rather than binding
	// to a name the caller chose.
	KindUnixDir
	KindUnixTmpdir
	KindUnixRuntime
	KindTCP
)

// Family selects an IP family for a tcp: address.
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Address is a parsed ConnectAddress: one transport description plus an
// optional server GUID.
type Address struct {
	Kind   Kind
	Path   string // path=, abstract=, dir=, or tmpdir= value
	Host   string
	Port   int
	Family Family
	Guid   string // 32 lowercase hex digits, or ""
}

// Parse parses a ConnectAddress string: "unix:path=/run/x.sock",
// "unix:abstract=name", "unix:dir=/tmp", "unix:tmpdir=/tmp",
// "unix:runtime=yes", or "tcp:host=127.0.0.1,port=1234[,family=ipv6]",
// any of which may carry a trailing ",guid=<32 hex>".
func Parse(s string) (*Address, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, buserr.New(buserr.InvalidAddress)
	}

	params := map[string]string{}
	for _, kv := range strings.Split(rest, ",") {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, buserr.New(buserr.InvalidAddress)
		}
		params[k] = v
	}

	addr := &Address{}
	switch scheme {
	case "unix":
		if err := parseUnix(addr, params); err != nil {
			return nil, err
		}
	case "tcp":
		if err := parseTCP(addr, params); err != nil {
			return nil, err
		}
	default:
		return nil, buserr.New(buserr.InvalidAddress)
	}

	if g, ok := params["guid"]; ok {
		if !isHex32(g) {
			return nil, buserr.New(buserr.InvalidAddress)
		}
		addr.Guid = g
	}
	return addr, nil
}

func parseUnix(addr *Address, params map[string]string) error {
	switch {
	case params["path"] != "":
		addr.Kind = KindUnixPath
		addr.Path = params["path"]
	case params["abstract"] != "":
		addr.Kind = KindUnixAbstract
		addr.Path = params["abstract"]
	case params["dir"] != "":
		addr.Kind = KindUnixDir
		addr.Path = params["dir"]
	case params["tmpdir"] != "":
		addr.Kind = KindUnixTmpdir
		addr.Path = params["tmpdir"]
	case params["runtime"] == "yes":
		addr.Kind = KindUnixRuntime
	default:
		return buserr.New(buserr.InvalidAddress)
	}
	return nil
}

func parseTCP(addr *Address, params map[string]string) error {
	addr.Kind = KindTCP
	addr.Host = params["host"]
	if addr.Host == "" {
		return buserr.New(buserr.InvalidAddress)
	}
	portStr, ok := params["port"]
	if !ok {
		return buserr.New(buserr.InvalidAddress)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return buserr.New(buserr.InvalidAddress)
	}
	addr.Port = port

	switch params["family"] {
	case "", "ipv4":
		addr.Family = FamilyIPv4
	case "ipv6":
		addr.Family = FamilyIPv6
	default:
		return buserr.New(buserr.InvalidAddress)
	}
	return nil
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// Format renders a back into ConnectAddress string form.
func (a *Address) Format() string {
	var s string
	switch a.Kind {
	case KindUnixPath:
		s = "unix:path=" + a.Path
	case KindUnixAbstract:
		s = "unix:abstract=" + a.Path
	case KindUnixDir:
		s = "unix:dir=" + a.Path
	case KindUnixTmpdir:
		s = "unix:tmpdir=" + a.Path
	case KindUnixRuntime:
		s = "unix:runtime=yes"
	case KindTCP:
		s = fmt.Sprintf("tcp:host=%s,port=%d", a.Host, a.Port)
		if a.Family == FamilyIPv6 {
			s += ",family=ipv6"
		}
	}
	if a.Guid != "" {
		s += ",guid=" + a.Guid
	}
	return s
}

// NewGuid returns a fresh 32-lowercase-hex-digit server GUID.
func NewGuid() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsUniqueName reports whether name is a connection-assigned unique name
// (colon-prefixed) rather than a well-known name owned by some connection.
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// ResolveListenPath turns a server-only directory-based Kind into a
// concrete path the caller can bind to: a fresh name inside Path (for
// KindUnixDir/KindUnixTmpdir) or inside the runtime directory (for
// KindUnixRuntime). KindUnixPath and KindUnixAbstract pass their Path
// through unchanged. Returns the resolved path/name and whether it is an
// abstract-namespace name.
func (a *Address) ResolveListenPath() (name string, abstract bool, err error) {
	switch a.Kind {
	case KindUnixPath:
		return a.Path, false, nil
	case KindUnixAbstract:
		return a.Path, true, nil
	case KindUnixDir, KindUnixTmpdir:
		return filepath.Join(a.Path, "buslink-"+NewGuid()), false, nil
	case KindUnixRuntime:
		dir := os.Getenv("XDG_RUNTIME_DIR")
		if dir == "" {
			dir = os.TempDir()
		}
		return filepath.Join(dir, "buslink-"+NewGuid()), false, nil
	default:
		return "", false, buserr.New(buserr.InvalidAddress)
	}
}

// SessionBusEnv is the environment variable carrying the session bus's
// ConnectAddress, per the standard-bus-discovery contract.
const SessionBusEnv = "BUSLINK_SESSION_BUS_ADDRESS"

// SystemBusPath is the fixed well-known path a system bus listens on.
const SystemBusPath = "/run/buslink/system_bus_socket"

// SessionBusAddress returns the session bus's ConnectAddress from
// SessionBusEnv, and whether it was set.
func SessionBusAddress() (string, bool) {
	return os.LookupEnv(SessionBusEnv)
}

// SystemBusAddress returns the fixed ConnectAddress of the system bus.
func SystemBusAddress() string {
	return "unix:path=" + SystemBusPath
}
