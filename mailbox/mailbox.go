// Package mailbox implements the single-slot, file-based channels shared
// with the external control process: the command mailbox, the status
// file, the deep-link drop and the open-URL drop.
//
// A mailbox is one well-known path. Producers overwrite it atomically;
// the consumer claims, reads and deletes it. Deleting is the
// acknowledgment. Writes that land faster than the consumer polls
// coalesce, and only the latest one is observed.
package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yllada/tunnel-supervisor/common"
)

// Mailbox is a single-slot message drop realized as a file.
type Mailbox struct {
	path  string
	retry RetryPolicy
}

// New returns the mailbox stored as name inside dir.
func New(dir, name string) *Mailbox {
	return &Mailbox{
		path:  filepath.Join(dir, name),
		retry: DefaultRetry,
	}
}

// Path returns the mailbox file path.
func (m *Mailbox) Path() string {
	return m.path
}

// Name returns the base name of the mailbox file.
func (m *Mailbox) Name() string {
	return filepath.Base(m.path)
}

// Dir returns the directory holding the mailbox file.
func (m *Mailbox) Dir() string {
	return filepath.Dir(m.path)
}

// Put overwrites the mailbox with payload. The write goes to a temporary
// file that is renamed over the mailbox, so a reader never sees a
// partially written payload.
func (m *Mailbox) Put(payload string) error {
	return m.retry.Do(func() error {
		if err := os.MkdirAll(m.Dir(), 0700); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(m.Dir(), m.Name()+".tmp-*")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.WriteString(payload); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return err
		}
		if err := os.Rename(tmpName, m.path); err != nil {
			os.Remove(tmpName)
			return err
		}
		return nil
	})
}

// Message is a payload taken from a mailbox.
type Message struct {
	Payload string
	// Owner is the uid owning the mailbox file when it was claimed, or
	// common.UnknownUID where the platform does not report one.
	Owner int
}

// Take claims the pending payload, if any, and deletes it. It returns
// ok == false when the mailbox is empty. A blank payload is discarded.
func (m *Mailbox) Take() (payload string, ok bool, err error) {
	msg, ok, err := m.TakeMessage()
	return msg.Payload, ok, err
}

// TakeMessage is Take that also reports who wrote the payload.
//
// A zero-length file is left in place: a producer writing in place
// creates it before writing, and claiming it then would send the write
// into a deleted file. The next poll picks it up. Otherwise the file is
// first renamed to a claim path so that a producer writing concurrently
// creates a fresh mailbox instead of being deleted unseen. If the
// process dies between claim and delete the payload is lost; the
// producer has to write it again.
func (m *Mailbox) TakeMessage() (msg Message, ok bool, err error) {
	msg.Owner = common.UnknownUID

	var info os.FileInfo
	err = m.retry.Do(func() error {
		var statErr error
		info, statErr = os.Stat(m.path)
		return statErr
	})
	if errors.Is(err, fs.ErrNotExist) {
		return msg, false, nil
	}
	if err != nil {
		return msg, false, fmt.Errorf("stat %s: %w", m.Name(), err)
	}
	if info.Size() == 0 {
		return msg, false, nil
	}

	claim := m.path + ".claimed"
	err = m.retry.Do(func() error {
		return os.Rename(m.path, claim)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return msg, false, nil
	}
	if err != nil {
		return msg, false, fmt.Errorf("claim %s: %w", m.Name(), err)
	}

	var data []byte
	err = m.retry.Do(func() error {
		var readErr error
		data, readErr = os.ReadFile(claim)
		return readErr
	})
	if err != nil {
		return msg, false, fmt.Errorf("read %s: %w", m.Name(), err)
	}
	if claimed, statErr := os.Stat(claim); statErr == nil {
		msg.Owner = fileOwner(claimed)
	}

	if rmErr := m.retry.Do(func() error { return os.Remove(claim) }); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		common.LogWarn("Mailbox: could not delete claimed %s: %v", m.Name(), rmErr)
	}

	msg.Payload = strings.TrimSpace(string(data))
	if msg.Payload == "" {
		return msg, false, nil
	}
	return msg, true, nil
}

// Peek returns the current payload without consuming it.
func (m *Mailbox) Peek() (payload string, ok bool, err error) {
	var data []byte
	err = m.retry.Do(func() error {
		var readErr error
		data, readErr = os.ReadFile(m.path)
		return readErr
	})
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", m.Name(), err)
	}
	payload = strings.TrimSpace(string(data))
	return payload, payload != "", nil
}

// Clear removes the mailbox file if present.
func (m *Mailbox) Clear() error {
	err := m.retry.Do(func() error { return os.Remove(m.path) })
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
