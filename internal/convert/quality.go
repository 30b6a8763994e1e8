package convert

import (
	"strings"

	"github.com/MrWong99/retune/internal/config"
)

// QualityFlags returns the ffmpeg encoder flags for an output extension.
// WAV and unknown formats get none; an unknown quality is treated as high.
func QualityFlags(ext string, q config.Quality) []string {
	switch strings.ToLower(ext) {
	case ".flac":
		level := map[config.Quality]string{
			config.QualityLow:    "0",
			config.QualityMedium: "5",
		}[q]
		if level == "" {
			level = "8"
		}
		return []string{"-compression_level", level}
	case ".mp3":
		rate := map[config.Quality]string{
			config.QualityLow:    "128k",
			config.QualityMedium: "192k",
		}[q]
		if rate == "" {
			rate = "320k"
		}
		return []string{"-b:a", rate}
	}
	return nil
}
