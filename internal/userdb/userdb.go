// Package userdb implements a simple scrypt-hashed user database for SASL
// PLAIN/LOGIN authentication.
//
// Format
//
// The database is a plain text file, one user per line:
//
//	name TAB scheme TAB field TAB field ...
//
// For the "scrypt" scheme the fields are base64(salt) and base64(hash).
// For the "plain" scheme (debugging only) the single field is the password
// itself. Blank lines and lines starting with "#" are ignored.
//
// We write text instead of a binary encoding to make it easy for an
// administrator to inspect or hand-edit the file; performance is not a
// concern at the expected scale (interactive user counts, not millions).
//
// Users must be UTF-8, PRECIS-normalized, and must not contain whitespace;
// the library enforces this on AddUser.
//
// Writing will not preserve comments, blank lines, or field ordering.
// It is not safe for concurrent use from different processes.
package userdb

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/secure/precis"

	"github.com/MagomeYae/mailin-insecure/internal/safeio"
)

// Scrypt parameters, following the recommendations in the scrypt paper.
// Hard-coded for now; not exposed to callers.
const (
	scryptLogN   = 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// passwordEntry is one user's stored credential.
type passwordEntry struct {
	scheme string // "scrypt" or "plain"

	// scrypt fields.
	salt, hash []byte

	// plain field (debugging only).
	plain string
}

func (p *passwordEntry) matches(candidate string) bool {
	switch p.scheme {
	case "scrypt":
		dk, err := scrypt.Key([]byte(candidate), p.salt,
			1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			// The parameters are fixed and valid; this would mean something
			// went really wrong (e.g. out of memory).
			panic(fmt.Sprintf("userdb: scrypt failed: %v", err))
		}
		return subtle.ConstantTimeCompare(dk, p.hash) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(candidate), []byte(p.plain)) == 1
	default:
		return false
	}
}

// DB represents a single user database.
type DB struct {
	fname string

	mu    sync.RWMutex
	users map[string]*passwordEntry
}

// New returns a new, empty user database bound to fname. Call Write to
// persist it.
func New(fname string) *DB {
	return &DB{fname: fname, users: map[string]*passwordEntry{}}
}

// Load reads the database from fname. A missing or empty file loads as an
// empty database with no error.
func Load(fname string) (*DB, error) {
	db := New(fname)

	f, err := os.Open(fname)
	if errors.Is(err, os.ErrNotExist) {
		return db, nil
	}
	if err != nil {
		return db, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, entry, err := parseLine(line)
		if err != nil {
			return db, fmt.Errorf("userdb: %s:%d: %v", fname, lineNo, err)
		}
		db.users[name] = entry
	}
	if err := scanner.Err(); err != nil {
		return db, err
	}

	return db, nil
}

func parseLine(line string) (string, *passwordEntry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return "", nil, fmt.Errorf("malformed line: %q", line)
	}

	name, scheme := fields[0], fields[1]
	switch scheme {
	case "scrypt":
		if len(fields) != 4 {
			return "", nil, fmt.Errorf("malformed scrypt line: %q", line)
		}
		salt, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			return "", nil, fmt.Errorf("bad salt: %v", err)
		}
		hash, err := base64.StdEncoding.DecodeString(fields[3])
		if err != nil {
			return "", nil, fmt.Errorf("bad hash: %v", err)
		}
		return name, &passwordEntry{scheme: "scrypt", salt: salt, hash: hash}, nil

	case "plain":
		if len(fields) != 3 {
			return "", nil, fmt.Errorf("malformed plain line: %q", line)
		}
		return name, &passwordEntry{scheme: "plain", plain: fields[2]}, nil

	default:
		return "", nil, fmt.Errorf("unknown scheme %q", scheme)
	}
}

// Reload refreshes the database from the current file on disk. If loading
// fails, the database is left unchanged and the error is returned.
func (db *DB) Reload() error {
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()

	return nil
}

// Write persists the database to disk atomically, doing a complete rewrite
// each time. Not safe to call from different processes in parallel.
func (db *DB) Write() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var buf bytes.Buffer
	for name, p := range db.users {
		switch p.scheme {
		case "scrypt":
			fmt.Fprintf(&buf, "%s\tscrypt\t%s\t%s\n", name,
				base64.StdEncoding.EncodeToString(p.salt),
				base64.StdEncoding.EncodeToString(p.hash))
		case "plain":
			fmt.Fprintf(&buf, "%s\tplain\t%s\n", name, p.plain)
		}
	}

	return safeio.WriteFile(db.fname, buf.Bytes(), 0660)
}

// Authenticate returns true if plainPassword is valid for name.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	p, ok := db.users[name]
	db.mu.RUnlock()

	if !ok {
		return false
	}
	return p.matches(plainPassword)
}

// AddUser adds (or overwrites) a user with a scrypt-hashed password. The
// name must already be PRECIS-normalized.
func (db *DB) AddUser(name, plainPassword string) error {
	norm, err := precis.UsernameCaseMapped.String(name)
	if err != nil || name != norm {
		return errors.New("userdb: invalid username")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("userdb: reading salt: %w", err)
	}

	hash, err := scrypt.Key([]byte(plainPassword), salt,
		1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("userdb: scrypt: %w", err)
	}

	db.mu.Lock()
	db.users[name] = &passwordEntry{scheme: "scrypt", salt: salt, hash: hash}
	db.mu.Unlock()

	return nil
}

// AddPlainUser adds a user with an unhashed password, for debugging only.
func (db *DB) AddPlainUser(name, plainPassword string) {
	db.mu.Lock()
	db.users[name] = &passwordEntry{scheme: "plain", plain: plainPassword}
	db.mu.Unlock()
}

// RemoveUser removes name from the database. Returns true if it was present.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists returns true if name is present in the database.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}
