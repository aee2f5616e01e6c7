package domain

import "strings"

// Characters that are unsafe in file names are swapped for their
// full-width look-alikes so titles stay readable.
var filenameReplacer = strings.NewReplacer(
	`\/`, "／",
	"/", "／",
	"'", "’",
	`"`, "”",
	"<", "＜",
	">", "＞",
	"|", "｜",
	":", "：",
	"*", "＊",
	"?", "？",
	"~", "～",
	`\`, "＼",
)

// SanitizeFilename makes a video title usable as a file name.
func SanitizeFilename(title string) string {
	return filenameReplacer.Replace(title)
}
