package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectKind(t *testing.T) {
	tests := []struct {
		filename string
		want     Kind
	}{
		{"clip.mp4", KindVideo},
		{"CLIP.MP4", KindVideo},
		{"Holiday.MoV", KindVideo},
		{"anim.gif", KindVideo},
		{"photo.JPEG", KindImage},
		{"song.flac", KindAudio},
		{"notes.md", KindDocument},
		{"page.HTM", KindDocument},
		{"bundle.zip", KindArchive},
		{"backup.tar.gz", KindArchive},
		{"BACKUP.TAR.BZ2", KindArchive},
		{"logs.tar.xz", KindArchive},
		{"site.tgz", KindArchive},
		{"video.mp4.tar.gz", KindArchive},
		{"archive.gz", KindArchive},
		{"noextension", KindUnknown},
		{"weird.xyz", KindUnknown},
		{"", KindUnknown},
		{"trailingdot.", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectKind(tt.filename))
		})
	}
}

func TestDetectKind_CaseInsensitive(t *testing.T) {
	for ext, kind := range extensionKinds {
		assert.Equal(t, kind, DetectKind("file."+ext))
		assert.Equal(t, kind, DetectKind("FILE."+strings.ToUpper(ext)))
	}
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "tar.gz", Extension("a/b/Backup.TAR.GZ"))
	assert.Equal(t, "tgz", Extension("x.tgz"))
	assert.Equal(t, "mp4", Extension("clip.MP4"))
	assert.Equal(t, "", Extension("README"))
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindVideo, ParseKind(" Video "))
	assert.Equal(t, KindArchive, ParseKind("archive"))
	assert.Equal(t, KindUnknown, ParseKind("spreadsheet"))
}
