package darc

// List opens an archive, decodes its index, and returns the entries in the
// order files were submitted at build time.
func List(archivePath string, opts ...Option) ([]Entry, error) {
	a, err := Open(archivePath, opts...)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.List()
}

// Extract opens an archive and extracts the selected entries (default: all)
// under destDir. See Archive.Extract for the best-effort semantics.
func Extract(archivePath, destDir string, opts ...ExtractOption) (*ExtractReport, error) {
	a, err := Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.Extract(destDir, opts...)
}

// Validate opens an archive and checks its structure. When slow is true it
// additionally re-reads and re-hashes every entry's content. See
// Archive.Validate.
func Validate(archivePath string, slow bool, opts ...ValidateOption) (*ValidationReport, error) {
	a, err := Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.Validate(slow, opts...)
}
