package job

import "path/filepath"

// DefaultUserAgent is the browser user agent sent by the fallback
// configuration.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Args is an ordered sequence of command-line tokens for one attempt.
type Args []string

// ArgsConfig holds the settings shared by every argument configuration.
type ArgsConfig struct {
	// OutputDir is the shared directory artifacts are written to.
	OutputDir string

	// OutputTemplate is the tool's file name template, relative to OutputDir.
	OutputTemplate string

	AudioFormat string

	// CookiesFile is appended as --cookies when non-empty. Callers decide
	// whether the file exists.
	CookiesFile string

	UserAgent string

	Verbose bool
}

func (c ArgsConfig) base(url string) Args {
	return Args{
		url,
		"-x",
		"--audio-format", c.AudioFormat,
		"-o", filepath.Join(c.OutputDir, c.OutputTemplate),
	}
}

// PrimaryArgs returns the minimal configuration used for the first attempt.
func PrimaryArgs(url string, c ArgsConfig) Args {
	args := c.base(url)
	if c.Verbose {
		args = append(args, "--verbose")
	}
	if c.CookiesFile != "" {
		args = append(args, "--cookies", c.CookiesFile)
	}
	return args
}

// FallbackArgs returns the configuration used after an authentication
// failure. It sends an explicit browser user agent and keeps the credential
// file.
func FallbackArgs(url string, c ArgsConfig) Args {
	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	args := append(c.base(url), "--user-agent", ua)
	if c.CookiesFile != "" {
		args = append(args, "--cookies", c.CookiesFile)
	}
	return args
}

// Has reports whether flag is one of the tokens of a.
func (a Args) Has(flag string) bool {
	for _, t := range a {
		if t == flag {
			return true
		}
	}
	return false
}
