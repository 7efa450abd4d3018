//go:build unix

package mailbox

import (
	"os"
	"syscall"

	"github.com/yllada/tunnel-supervisor/common"
)

// fileOwner returns the uid owning the file described by info.
func fileOwner(info os.FileInfo) int {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid)
	}
	return common.UnknownUID
}
