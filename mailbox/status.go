package mailbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/yllada/tunnel-supervisor/common"
)

// StatusFile is the overwrite-only status token read by the external
// control process.
type StatusFile struct {
	box *Mailbox
}

// NewStatusFile returns the status file rooted at dir.
func NewStatusFile(dir string) *StatusFile {
	return &StatusFile{box: New(dir, common.StatusFileName)}
}

// Path returns the status file path.
func (s *StatusFile) Path() string {
	return s.box.Path()
}

// Publish overwrites the status with token.
func (s *StatusFile) Publish(token string) error {
	if err := s.box.Put(token); err != nil {
		return fmt.Errorf("publish status %q: %w", token, err)
	}
	common.LogDebug("Status published: %s", token)
	return nil
}

// Read returns the current token, or "" when nothing was published yet.
func (s *StatusFile) Read() (string, error) {
	token, _, err := s.box.Peek()
	return token, err
}

// DeepLinkBox forwards deep-link URLs verbatim to the UI-facing
// collaborator, which reads and deletes the file on its own schedule.
type DeepLinkBox struct {
	box    *Mailbox
	scheme string
}

// NewDeepLinkBox returns the deep-link drop rooted at dir accepting URLs
// of the given scheme.
func NewDeepLinkBox(dir, scheme string) *DeepLinkBox {
	return &DeepLinkBox{
		box:    New(dir, common.DeepLinkFileName),
		scheme: strings.TrimSuffix(scheme, "://"),
	}
}

// Mailbox returns the underlying mailbox.
func (d *DeepLinkBox) Mailbox() *Mailbox {
	return d.box
}

// Forward writes url when it carries the configured scheme.
func (d *DeepLinkBox) Forward(url string) error {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, d.scheme+"://") {
		return fmt.Errorf("%w: want %s:// scheme, got %q", common.ErrInvalidURL, d.scheme, url)
	}
	common.LogInfo("Deep link: %s", url)
	return d.box.Put(url)
}

// NewOpenURLBox returns the drop through which the control process asks
// the supervisor to open a URL.
func NewOpenURLBox(dir string) *Mailbox {
	return New(dir, common.OpenURLFileName)
}

// ExecOpener opens URLs by running an external command such as xdg-open.
type ExecOpener struct {
	Command string
}

// Open starts the opener and reaps it in the background.
func (o ExecOpener) Open(url string) error {
	name := o.Command
	if name == "" {
		name = "xdg-open"
	}
	cmd := exec.Command(name, url)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open URL: %w", err)
	}
	go cmd.Wait()
	return nil
}

// WritePaths records where the supervisor looks for things, for the
// external control process to read.
func WritePaths(stateDir, relayPath string) error {
	content := fmt.Sprintf("relay_dir=%s\nstate_dir=%s\n", filepath.Dir(relayPath), stateDir)
	if err := common.EnsureDir(stateDir); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, common.PathsFileName), []byte(content), 0600)
}
