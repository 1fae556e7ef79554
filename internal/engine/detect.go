package engine

import (
	"path/filepath"
	"strings"
)

// multiSegmentArchives are matched before single extensions.
var multiSegmentArchives = []string{".tar.gz", ".tar.bz2", ".tar.xz", ".tar.br", ".tgz", ".tbz2", ".txz"}

var extensionKinds = buildExtensionTable(map[Kind][]string{
	KindVideo: {
		"mp4", "avi", "mov", "mkv", "webm", "flv", "m4v", "wmv",
		"mpg", "mpeg", "3gp", "ogg", "ogv", "gif",
	},
	KindImage: {
		"jpg", "jpeg", "png", "bmp", "tiff", "tif", "webp", "svg",
		"ico", "psd", "raw", "heic", "heif",
	},
	KindAudio: {
		"mp3", "wav", "flac", "aac", "m4a", "wma", "opus", "amr",
		"ra", "au", "aiff", "caf",
	},
	KindDocument: {
		"pdf", "doc", "docx", "rtf", "odt", "txt", "md", "html", "htm",
		"xls", "xlsx", "ods", "csv", "ppt", "pptx", "odp", "epub",
		"mobi", "fb2", "djvu", "tex", "latex",
	},
	KindArchive: {
		"zip", "rar", "7z", "tar", "gz", "bz2", "xz", "lzma", "lz4",
		"zst", "cab", "arj", "lzh", "ace", "iso", "dmg", "br",
	},
})

func buildExtensionTable(byKind map[Kind][]string) map[string]Kind {
	table := make(map[string]Kind)
	for kind, exts := range byKind {
		for _, ext := range exts {
			table[ext] = kind
		}
	}
	return table
}

// DetectKind maps a file name to a kind by extension, case-insensitively.
// Compound archive suffixes such as ".tar.gz" win over the final extension.
// It returns KindUnknown for unrecognised names.
func DetectKind(filename string) Kind {
	if filename == "" {
		return KindUnknown
	}
	lower := strings.ToLower(filename)
	for _, suffix := range multiSegmentArchives {
		if strings.HasSuffix(lower, suffix) {
			return KindArchive
		}
	}
	ext := strings.TrimPrefix(filepath.Ext(lower), ".")
	if ext == "" {
		return KindUnknown
	}
	return extensionKinds[ext]
}

// Extension returns the lower-cased extension of filename without the dot,
// keeping compound archive suffixes whole ("tar.gz").
func Extension(filename string) string {
	lower := strings.ToLower(filename)
	for _, suffix := range multiSegmentArchives {
		if strings.HasSuffix(lower, suffix) {
			return strings.TrimPrefix(suffix, ".")
		}
	}
	return strings.TrimPrefix(filepath.Ext(lower), ".")
}
