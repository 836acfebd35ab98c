package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// saveAttachments writes msg's attachments under
// <AttachmentsDir>/<checker>/<uid>/ and records their paths. Attachments
// over the size cap are listed without a path.
func (s *Session) saveAttachments(msg *Message) {
	limit := s.cfg.MaxAttachmentBytes
	if limit <= 0 {
		limit = DefaultMaxAttachmentBytes
	}
	dir := filepath.Join(s.cfg.AttachmentsDir, sanitizeFilename(s.cfg.CheckerID), strconv.FormatUint(uint64(msg.UID), 10))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("creating attachment dir", "dir", dir, "error", err)
		return
	}

	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		if int64(a.Size) > limit {
			s.logger.Warn("attachment too large, not saved", "uid", msg.UID, "filename", a.Filename, "size", a.Size, "limit", limit)
			a.data = nil
			continue
		}
		path, err := writeUnique(dir, a.Filename, a.data)
		if err != nil {
			s.logger.Warn("saving attachment", "uid", msg.UID, "filename", a.Filename, "error", err)
			continue
		}
		a.Path = path
		a.data = nil
		s.logger.Debug("attachment saved", "uid", msg.UID, "path", path, "size", a.Size)
	}
}

// writeUnique writes data as name inside dir, suffixing "-N" when the
// name is taken.
func writeUnique(dir, name string, data []byte) (string, error) {
	name = sanitizeFilename(name)
	if name == "" {
		name = "attachment"
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 0; n < 100; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d%s", base, n, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}

// sanitizeFilename strips directories and control characters and caps the
// length.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		if r >= 32 && r != 127 && r != ':' {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 255 {
		ext := filepath.Ext(out)
		out = out[:255-len(ext)] + ext
	}
	return out
}
