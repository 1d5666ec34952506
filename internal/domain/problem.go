package domain

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Category is a stable, machine-readable error class shown to users
type Category string

const (
	CategoryNoInternet   Category = "nointernet"
	CategoryPermission   Category = "permission"
	CategoryFileNotFound Category = "filenotfound"
	CategoryNoSpace      Category = "nospace"
	CategoryTool         Category = "tool"
	CategoryArchive      Category = "archive"
	CategoryConfig       Category = "config"
	CategoryNoAssets     Category = "noassets"
	CategoryCancelled    Category = "cancelled"
	CategoryUnknown      Category = "unknown"
)

// Problem is the user-facing description of a failed run
type Problem struct {
	Category Category
	Title    string
	Message  string
}

// Classify maps err onto its Category.
func Classify(err error) Category {
	var (
		netErr     *NetworkError
		toolErr    *ToolError
		procErr    *ProcessError
		archiveErr *ArchiveError
		configErr  *ConfigParseError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return CategoryCancelled
	case errors.Is(err, ErrNoAssets):
		return CategoryNoAssets
	case errors.As(err, &netErr):
		return CategoryNoInternet
	case errors.Is(err, syscall.ENOSPC):
		return CategoryNoSpace
	case errors.Is(err, fs.ErrPermission):
		return CategoryPermission
	case errors.As(err, &archiveErr):
		return CategoryArchive
	case errors.As(err, &configErr):
		return CategoryConfig
	case errors.Is(err, ErrToolNotReady), errors.As(err, &toolErr), errors.As(err, &procErr):
		return CategoryTool
	case errors.Is(err, fs.ErrNotExist):
		return CategoryFileNotFound
	default:
		return CategoryUnknown
	}
}

type problemText struct {
	title   string
	message string
}

var problemTexts = map[string]map[Category]problemText{
	"de": {
		CategoryNoInternet:   {"Keine Internetverbindung", "Bitte überprüfe deine Internetverbindung und versuche es erneut."},
		CategoryPermission:   {"Zugriffsfehler bei der Installation", "Der Installer hat keinen Schreibzugriff auf das Verzeichnis. Bitte führe die Installation mit ausreichenden Rechten erneut durch."},
		CategoryFileNotFound: {"Datei nicht gefunden", "Die folgende Datei konnte bei der Installation nicht gefunden werden:"},
		CategoryNoSpace:      {"Nicht genügend Speicherplatz", "Bitte überprüfe den freien Speicherplatz auf deinem Systemlaufwerk oder begrenze die Anzahl der Downloads und versuche es erneut."},
		CategoryTool:         {"Fehler beim Starten von Trainz", "Die Trainz-Datenbank konnte nicht geöffnet werden. Bitte überprüfe deine Installation auf Fehler und versuche es erneut."},
		CategoryArchive:      {"Beschädigter Download", "Ein heruntergeladenes Asset konnte nicht entpackt werden. Bitte versuche es erneut."},
		CategoryConfig:       {"Ungültiges Asset", "Die Konfiguration eines Assets konnte nicht gelesen werden."},
		CategoryNoAssets:     {"Keine Assets gefunden", "Es wurden keine neuen Assets gefunden die installiert werden können."},
		CategoryCancelled:    {"Installation abgebrochen", "Die Installation wurde abgebrochen."},
		CategoryUnknown:      {"Fehler während der Installation", "Ein unbekannter Fehler ist während der Installation aufgetreten."},
	},
	"en": {
		CategoryNoInternet:   {"No internet connection", "Please check your internet connection and try again."},
		CategoryPermission:   {"Permission denied", "The installer cannot write to the target directory. Please run the installation again with sufficient permissions."},
		CategoryFileNotFound: {"File not found", "The following file could not be found during installation:"},
		CategoryNoSpace:      {"Not enough disk space", "Please free up disk space or limit the number of downloads and try again."},
		CategoryTool:         {"Could not start Trainz", "The Trainz content database could not be opened. Please check your installation and try again."},
		CategoryArchive:      {"Corrupt download", "A downloaded asset could not be unpacked. Please try again."},
		CategoryConfig:       {"Invalid asset", "The configuration of an asset could not be read."},
		CategoryNoAssets:     {"No assets found", "There are no new assets that could be installed."},
		CategoryCancelled:    {"Installation cancelled", "The installation was cancelled."},
		CategoryUnknown:      {"Installation error", "An unknown error occurred during installation."},
	},
}

// Describe returns the localized Problem for err. Unknown languages fall
// back to German.
func Describe(err error, lang string) Problem {
	texts, ok := problemTexts[lang]
	if !ok {
		texts = problemTexts["de"]
	}

	category := Classify(err)
	text := texts[category]
	p := Problem{Category: category, Title: text.title, Message: text.message}

	switch category {
	case CategoryFileNotFound:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			p.Message += "\n" + pathErr.Path
		}
	case CategoryNoInternet, CategoryUnknown, CategoryTool, CategoryArchive, CategoryConfig:
		p.Message += fmt.Sprintf("\n(%v)", err)
	}
	return p
}
