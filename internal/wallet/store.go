// Package wallet keeps the wallet identities a run submits prompts for.
// Addresses are opaque strings compared by exact equality.
package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
)

// KeyPrefix prefixes the env key of every stored wallet; the ordinal follows.
const KeyPrefix = "WALLET_ADDRESS_"

type Identity struct {
	Address string `json:"address"`
	Ordinal int    `json:"ordinal"`
}

// Key is the env key the identity is stored under.
func (i Identity) Key() string {
	return KeyPrefix + strconv.Itoa(i.Ordinal)
}

type Store interface {
	List() ([]Identity, error)
	Append(address string) (Identity, error)
}

// EnvStore reads and appends WALLET_ADDRESS_<n> entries in a dotenv file.
// Unrelated keys in the file are left alone.
type EnvStore struct {
	path string
	mu   sync.Mutex
}

func NewEnvStore(path string) *EnvStore {
	return &EnvStore{path: path}
}

func (s *EnvStore) Path() string { return s.path }

// List returns identities sorted by ordinal. A missing file is an empty
// store.
func (s *EnvStore) List() ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *EnvStore) list() ([]Identity, error) {
	env, err := godotenv.Read(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("read wallet file %s", s.path), err)
	}
	ids := make([]Identity, 0, len(env))
	for key, value := range env {
		suffix, ok := strings.CutPrefix(key, KeyPrefix)
		if !ok {
			continue
		}
		ordinal, err := strconv.Atoi(suffix)
		if err != nil || ordinal < 1 {
			continue
		}
		address := strings.TrimSpace(value)
		if address == "" {
			continue
		}
		ids = append(ids, Identity{Address: address, Ordinal: ordinal})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Ordinal < ids[j].Ordinal })
	return ids, nil
}

// Append stores address under the next free ordinal.
func (s *EnvStore) Append(address string) (Identity, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Identity{}, clierr.New(clierr.CodeUsage, "wallet address is required")
	}
	if strings.ContainsAny(address, " \t\r\n") {
		return Identity{}, clierr.New(clierr.CodeUsage, "wallet address must not contain whitespace")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.list()
	if err != nil {
		return Identity{}, err
	}
	next := 1
	for _, id := range existing {
		if id.Address == address {
			return Identity{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("wallet %s is already stored as %s", address, id.Key()))
		}
		if id.Ordinal >= next {
			next = id.Ordinal + 1
		}
	}
	id := Identity{Address: address, Ordinal: next}

	line, err := godotenv.Marshal(map[string]string{id.Key(): address})
	if err != nil {
		return Identity{}, clierr.Wrap(clierr.CodeInternal, "encode wallet entry", err)
	}
	if err := appendLine(s.path, line); err != nil {
		return Identity{}, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("write wallet file %s", s.path), err)
	}
	return id, nil
}

func appendLine(path, line string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	prefix := ""
	if buf, err := os.ReadFile(path); err == nil && len(buf) > 0 && !bytes.HasSuffix(buf, []byte("\n")) {
		prefix = "\n"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(prefix + line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Select resolves selectors against the stored identities, keeping selector
// order. A selector is an exact address or a 1-based ordinal.
func Select(all []Identity, selectors []string) ([]Identity, error) {
	out := make([]Identity, 0, len(selectors))
	seen := map[string]bool{}
	for _, raw := range selectors {
		sel := strings.TrimSpace(raw)
		if sel == "" {
			continue
		}
		id, ok := find(all, sel)
		if !ok {
			return nil, clierr.New(clierr.CodeConfig, fmt.Sprintf("wallet %q is not stored", sel))
		}
		if seen[id.Address] {
			continue
		}
		seen[id.Address] = true
		out = append(out, id)
	}
	return out, nil
}

func find(all []Identity, sel string) (Identity, bool) {
	for _, id := range all {
		if id.Address == sel {
			return id, true
		}
	}
	if n, err := strconv.Atoi(sel); err == nil {
		for _, id := range all {
			if id.Ordinal == n {
				return id, true
			}
		}
	}
	return Identity{}, false
}
