// Package node gives a lateq process a name that outlives restarts.
//
// Several servers may feed the same downstream list, and one server runs
// several scheduler instances. Log lines and diagnostic snapshots carry the
// node ID and an instance label so they can be told apart. The ID is a ULID
// minted on first start and kept in <data_dir>/node_id.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFileName = "node_id"

// autoID asks New to use the persisted identity.
const autoID = "auto"

// ID is the canonical 26-character ULID text of a node.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return len(id) == 0 }

// Short is the last eight characters of id: random bits, unlike the
// timestamp prefix that nodes started together would share.
func (id ID) Short() string {
	const n = 8
	if len(id) <= n {
		return string(id)
	}
	return string(id[len(id)-n:])
}

// Node is the identity of one server process.
type Node struct {
	id      ID
	dataDir string
}

// New prepares dataDir and resolves the node ID. An explicit ULID in
// override wins and is not written to disk; "" or "auto" reads the ID file,
// creating it on first start.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir is required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: mkdir %s: %w", dataDir, err)
	}

	n := &Node{dataDir: dataDir}
	switch override {
	case "", autoID:
		id, err := persistedID(filepath.Join(dataDir, idFileName))
		if err != nil {
			return nil, err
		}
		n.id = id
	default:
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: id %q is not a ULID: %w", override, err)
		}
		n.id = ID(override)
	}
	return n, nil
}

func (n *Node) ID() ID { return n.id }

func (n *Node) DataDir() string { return n.dataDir }

// Instance labels scheduler instance i of this node, e.g. "7Q2M9K1X-0".
func (n *Node) Instance(i int) string {
	return n.id.Short() + "-" + strconv.Itoa(i)
}

func persistedID(path string) (ID, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(raw))
		if _, perr := ulid.ParseStrict(s); perr != nil {
			return "", fmt.Errorf("node: %s holds %q: %w", path, s, perr)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: %w", err)
	}

	u, err := NewULID()
	if err != nil {
		return "", fmt.Errorf("node: mint id: %w", err)
	}
	if err := os.WriteFile(path, []byte(u.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: write %s: %w", path, err)
	}
	return ID(u.String()), nil
}

// entropy is shared so that ULIDs minted in the same millisecond still sort
// in creation order.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID mints a ULID greater than every earlier one from this process.
func NewULID() (ulid.ULID, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.New(ulid.Timestamp(time.Now()), entropy)
}

// MustNewID returns the text of a fresh ULID and panics if none can be
// minted. It is meant for tests.
func MustNewID() string {
	u, err := NewULID()
	if err != nil {
		panic("node: " + err.Error())
	}
	return u.String()
}
