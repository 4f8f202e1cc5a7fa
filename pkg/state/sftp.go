package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/loamctl/loam/pkg/engine"
)

// SFTPConfig describes the remote host and state location for an SFTP
// backed store.
type SFTPConfig struct {
	// Host is the remote hostname or address.
	Host string

	// Port is the SSH port; 22 when zero.
	Port int

	// User is the SSH user.
	User string

	// Password authenticates with a password when set.
	Password string

	// PrivateKeyPath authenticates with a key file when set.
	PrivateKeyPath string

	// Path is the remote state file path.
	Path string

	// HostKeyCallback verifies the remote host key. Required; use
	// ssh.InsecureIgnoreHostKey only in tests.
	HostKeyCallback ssh.HostKeyCallback

	// ConnectTimeout bounds the SSH dial; 30s when zero.
	ConnectTimeout time.Duration
}

func (c *SFTPConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("sftp host is required")
	}
	if c.User == "" {
		return fmt.Errorf("sftp user is required")
	}
	if c.Path == "" {
		return fmt.Errorf("sftp state path is required")
	}
	if c.Password == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("sftp password or private key is required")
	}
	if c.HostKeyCallback == nil {
		return fmt.Errorf("sftp host key callback is required")
	}
	return nil
}

// SFTPStore persists the state document on a remote host over SFTP,
// letting a team share one state without a database. Locking uses a
// remote lock file created with O_EXCL, which SFTP guarantees is atomic.
type SFTPStore struct {
	cfg    SFTPConfig
	logger zerolog.Logger

	conn   *ssh.Client
	client *sftp.Client
}

// NewSFTPStore creates an SFTP store. Call Connect before use.
func NewSFTPStore(cfg SFTPConfig, logger zerolog.Logger) (*SFTPStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &SFTPStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "state.sftp").Str("host", cfg.Host).Logger(),
	}, nil
}

// Connect dials the remote host and opens the SFTP subsystem.
func (s *SFTPStore) Connect(_ context.Context) error {
	auth, err := s.authMethods()
	if err != nil {
		return err
	}

	sshCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: s.cfg.HostKeyCallback,
		Timeout:         s.cfg.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open sftp subsystem: %w", err)
	}

	s.conn = conn
	s.client = client
	s.logger.Debug().Msg("sftp connected")
	return nil
}

// Close shuts down the SFTP session and SSH connection.
func (s *SFTPStore) Close() error {
	var firstErr error
	if s.client != nil {
		firstErr = s.client.Close()
		s.client = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.conn = nil
	}
	return firstErr
}

func (s *SFTPStore) authMethods() ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if s.cfg.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}
	return auth, nil
}

// Load reads the remote state document; a missing file yields an empty
// document.
func (s *SFTPStore) Load(_ context.Context) (*engine.Document, error) {
	f, err := s.client.Open(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return engine.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open remote state: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read remote state: %w", err)
	}

	doc := engine.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode remote state: %w", err)
	}
	if err := checkVersion(doc); err != nil {
		return nil, err
	}
	if doc.Records == nil {
		doc.Records = make(map[string]*engine.Record)
	}
	return doc, nil
}

// Save writes the document to a temporary remote file and renames it over
// the target.
func (s *SFTPStore) Save(_ context.Context, doc *engine.Document) error {
	doc.Serial++
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := path.Dir(s.cfg.Path)
	if err := s.client.MkdirAll(dir); err != nil {
		return fmt.Errorf("create remote state directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d", s.cfg.Path, time.Now().UnixNano())
	f, err := s.client.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create remote temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.client.Remove(tmpPath)
		return fmt.Errorf("write remote temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.client.Remove(tmpPath)
		return fmt.Errorf("close remote temp file: %w", err)
	}

	if err := s.client.PosixRename(tmpPath, s.cfg.Path); err != nil {
		_ = s.client.Remove(tmpPath)
		return fmt.Errorf("rename remote state file: %w", err)
	}

	s.logger.Debug().
		Uint64("serial", doc.Serial).
		Int("records", len(doc.Records)).
		Msg("remote state saved")
	return nil
}

func (s *SFTPStore) lockPath() string {
	return s.cfg.Path + ".lock"
}

// Lock creates the remote lock file exclusively.
func (s *SFTPStore) Lock(_ context.Context, info engine.LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode lock info: %w", err)
	}

	f, err := s.client.OpenFile(s.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		holder, readErr := s.readLock()
		if readErr != nil {
			return fmt.Errorf("acquire remote lock: %w", err)
		}
		return &LockConflictError{Holder: *holder}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = s.client.Remove(s.lockPath())
		return fmt.Errorf("write remote lock file: %w", err)
	}
	return nil
}

// Unlock removes the remote lock file after verifying the holder.
func (s *SFTPStore) Unlock(_ context.Context, id string) error {
	holder, err := s.readLock()
	if err != nil {
		return fmt.Errorf("read remote lock: %w", err)
	}
	if holder.ID != id {
		return &LockConflictError{Holder: *holder}
	}
	if err := s.client.Remove(s.lockPath()); err != nil {
		return fmt.Errorf("remove remote lock file: %w", err)
	}
	return nil
}

func (s *SFTPStore) readLock() (*engine.LockInfo, error) {
	f, err := s.client.Open(s.lockPath())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var info engine.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode remote lock file: %w", err)
	}
	return &info, nil
}
