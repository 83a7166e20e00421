package transfer

import (
	"path/filepath"
	"strings"
)

// FileType is the coarse classification shown to the receiving user before
// they accept a transfer.
type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeVideo    FileType = "video"
	FileTypeDocument FileType = "document"
	FileTypeArchive  FileType = "archive"
	FileTypeOther    FileType = "other"
)

// ClassifyPath maps a file name's extension to its FileType.
func ClassifyPath(path string) FileType {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "jpg", "jpeg", "png", "gif", "bmp", "webp", "svg", "heic", "ico", "tif", "tiff":
		return FileTypeImage
	case "mp4", "mkv", "avi", "mov", "wmv", "flv", "webm", "m4v", "mpg", "mpeg":
		return FileTypeVideo
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "txt", "md", "rtf", "csv":
		return FileTypeDocument
	case "zip", "rar", "7z", "tar", "gz", "bz2", "xz", "zst":
		return FileTypeArchive
	default:
		return FileTypeOther
	}
}
