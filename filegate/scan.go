package filegate

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"strings"
)

// Structural flags.
const (
	FlagPolyglot       = "POLYGLOT_SUSPECT"
	FlagZipBomb        = "ZIP_BOMB_SUSPECT"
	FlagZipInvalid     = "ZIP_STRUCTURE_INVALID"
	FlagMacroExtension = "OFFICE_MACRO_EXTENSION"
	FlagMacroDetected  = "OFFICE_MACRO_DETECTED"
)

var zipLocalHeader = []byte("PK\x03\x04")

// checkPolyglot returns the formats whose magic appears in header when more
// than one does.
func checkPolyglot(header []byte) []string {
	if len(header) < 16 {
		return nil
	}
	var detected []string
	if bytes.Contains(header[:min(1024, len(header))], []byte("%PDF")) {
		detected = append(detected, "PDF")
	}
	if bytes.HasPrefix(header, zipLocalHeader) {
		detected = append(detected, "ZIP")
	}
	if bytes.HasPrefix(header, []byte("\x7fELF")) {
		detected = append(detected, "ELF")
	}
	if bytes.HasPrefix(header, []byte("MZ")) {
		detected = append(detected, "PE")
	}
	if bytes.HasPrefix(header, []byte("\xff\xd8\xff")) {
		detected = append(detected, "JPEG")
	}
	if bytes.HasPrefix(header, []byte("\x89PNG")) {
		detected = append(detected, "PNG")
	}
	if len(detected) > 1 {
		return detected
	}
	return nil
}

// zipReport summarises a ZIP container's central directory.
type zipReport struct {
	headers      int
	uncompressed uint64
	compressed   uint64
	hasVBA       bool
	invalid      bool
}

func inspectZip(buf, header []byte) zipReport {
	r := zipReport{headers: bytes.Count(header, zipLocalHeader)}
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		r.invalid = true
		return r
	}
	for _, f := range zr.File {
		r.uncompressed += f.UncompressedSize64
		r.compressed += f.CompressedSize64
		if strings.EqualFold(filepath.Base(f.Name), "vbaProject.bin") {
			r.hasVBA = true
		}
	}
	return r
}

// bomb reports whether the container looks like a decompression bomb: many
// local headers packed into a tiny file, a declared expansion beyond the
// size cap, or an extreme compression ratio.
func (r zipReport) bomb(size int64, cfg *Config) bool {
	if r.headers > cfg.ZipHeaderLimit && size < 1024*1024 {
		return true
	}
	if r.uncompressed > uint64(cfg.MaxUncompressedSize) {
		return true
	}
	// Small archives compress text extremely well; only judge ratio on
	// expansions that would actually hurt.
	if r.uncompressed > 10*1024*1024 && r.compressed > 0 &&
		float64(r.uncompressed)/float64(r.compressed) > cfg.MaxCompressionRatio {
		return true
	}
	return false
}

// checkMacro flags macro-enabled Office extensions and legacy OLE2 files
// carrying a VBA project.
func checkMacro(header []byte, filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".docm", ".xlsm", ".pptm", ".dotm":
		return FlagMacroExtension
	}
	if bytes.HasPrefix(header, []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1")) {
		if bytes.Contains(header, []byte("_VBA_PROJECT")) || bytes.Contains(header, []byte("VBAProject")) {
			return FlagMacroDetected
		}
	}
	return ""
}
