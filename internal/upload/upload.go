package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"sync"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// maxFieldSize bounds non-file form values.
const maxFieldSize = 1 << 20

// Errors returned by Parse.
var (
	ErrTooLarge     = fmt.Errorf("%w: file exceeds maxFileSize", util.ErrPayloadTooLarge)
	ErrTooManyFiles = fmt.Errorf("%w: too many files", util.ErrPayloadTooLarge)
	ErrNotMultipart = fmt.Errorf("%w: request is not multipart/form-data", util.ErrInvalidInput)
)

// Policy controls how uploads are accepted and stored.
type Policy struct {
	// MaxFileSize is the per-file byte limit; zero means unlimited.
	MaxFileSize int64
	// MaxFiles is the number of files accepted; zero means unlimited.
	MaxFiles int
	// Storage is config.StorageMemory (default) or config.StorageDisk.
	Storage string
	// TempDir is where disk storage writes files; empty uses os.TempDir.
	TempDir string
}

// PolicyFromConfig converts a rule's upload configuration.
func PolicyFromConfig(p *config.UploadPolicy) Policy {
	if p == nil {
		return Policy{}
	}
	return Policy{
		MaxFileSize: p.MaxFileSize,
		MaxFiles:    p.MaxFiles,
		Storage:     p.Storage,
		TempDir:     p.TempDir,
	}
}

// File is one uploaded file, held in memory or in a temp file.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Size        int64

	data []byte
	path string
}

// Open returns a reader over the file content.
func (f *File) Open() (io.ReadCloser, error) {
	if f.path != "" {
		return os.Open(f.path)
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// OnDisk reports whether the file is stored in a temp file.
func (f *File) OnDisk() bool {
	return f.path != ""
}

// Form is a parsed multipart request.
type Form struct {
	Fields util.Query
	Files  []*File

	logger observability.Logger
	once   sync.Once
}

// CleanupError reports a temp file that could not be removed.
type CleanupError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e *CleanupError) Error() string {
	return fmt.Sprintf("removing upload %s: %v", e.Path, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *CleanupError) Unwrap() error {
	return e.Cause
}

// Cleanup releases stored files. It runs once; later calls do nothing.
// Failures are logged, never returned.
func (f *Form) Cleanup() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		for _, file := range f.Files {
			file.data = nil
			if file.path == "" {
				continue
			}
			if err := os.Remove(file.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				f.log().Warn("upload cleanup failed",
					observability.Error(&CleanupError{Path: file.path, Cause: err}),
				)
			}
		}
	})
}

func (f *Form) log() observability.Logger {
	if f.logger == nil {
		return observability.NopLogger()
	}
	return f.logger
}

// Parser parses multipart uploads.
type Parser interface {
	Parse(r *http.Request, policy Policy) (*Form, error)
}

// MultipartParser streams multipart bodies part by part, enforcing the
// per-file limit while reading.
type MultipartParser struct {
	logger observability.Logger
}

// NewParser creates a MultipartParser.
func NewParser(logger observability.Logger) *MultipartParser {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MultipartParser{logger: logger}
}

// IsMultipart reports whether r carries a multipart/form-data body.
func IsMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// Parse implements Parser. On error every file stored so far is removed.
func (p *MultipartParser) Parse(r *http.Request, policy Policy) (*Form, error) {
	if !IsMultipart(r) {
		return nil, ErrNotMultipart
	}
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrInvalidInput, err)
	}

	form := &Form{logger: p.logger}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return form, nil
		}
		if err != nil {
			form.Cleanup()
			return nil, fmt.Errorf("%w: reading multipart: %w", util.ErrInvalidInput, err)
		}

		if err := p.readPart(form, part, policy); err != nil {
			_ = part.Close()
			form.Cleanup()
			return nil, err
		}
		_ = part.Close()
	}
}

func (p *MultipartParser) readPart(form *Form, part *multipart.Part, policy Policy) error {
	name := part.FormName()
	if part.FileName() == "" {
		value, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
		if err != nil {
			return fmt.Errorf("%w: reading field %s: %w", util.ErrInvalidInput, name, err)
		}
		if len(value) > maxFieldSize {
			return fmt.Errorf("%w: field %s", util.ErrPayloadTooLarge, name)
		}
		form.Fields.Add(name, string(value))
		return nil
	}

	if policy.MaxFiles > 0 && len(form.Files) >= policy.MaxFiles {
		return ErrTooManyFiles
	}

	file := &File{
		Field:       name,
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
	}
	if file.ContentType == "" {
		file.ContentType = "application/octet-stream"
	}

	src := io.Reader(part)
	if policy.MaxFileSize > 0 {
		src = io.LimitReader(part, policy.MaxFileSize+1)
	}

	if policy.Storage == config.StorageDisk {
		err := storeOnDisk(file, src, policy.TempDir)
		if file.path != "" {
			form.Files = append(form.Files, file)
		}
		if err != nil {
			return err
		}
	} else {
		data, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("%w: reading file %s: %w", util.ErrInvalidInput, file.Filename, err)
		}
		file.data = data
		file.Size = int64(len(data))
		form.Files = append(form.Files, file)
	}

	if policy.MaxFileSize > 0 && file.Size > policy.MaxFileSize {
		return fmt.Errorf("%w: %s", ErrTooLarge, file.Filename)
	}

	p.logger.Debug("upload part stored",
		observability.String("field", name),
		observability.String("filename", file.Filename),
		observability.Int64("size", file.Size),
		observability.Bool("disk", file.OnDisk()),
	)
	return nil
}

func storeOnDisk(file *File, src io.Reader, dir string) error {
	tmp, err := os.CreateTemp(dir, "svcproxy-upload-*")
	if err != nil {
		return fmt.Errorf("creating upload temp file: %w", err)
	}
	file.path = tmp.Name()

	n, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	file.Size = n
	if copyErr != nil {
		return fmt.Errorf("%w: storing file %s: %w", util.ErrInvalidInput, file.Filename, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing upload temp file: %w", closeErr)
	}
	return nil
}

// Encode re-encodes form as a multipart body. The body is produced while
// it is read; the returned content type carries the boundary.
func Encode(form *Form) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeForm(mw, form)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeForm(mw *multipart.Writer, form *Form) error {
	for _, key := range form.Fields.Keys() {
		for _, v := range form.Fields.Values(key) {
			if err := mw.WriteField(key, v); err != nil {
				return err
			}
		}
	}

	for _, f := range form.Files {
		h := make(textproto.MIMEHeader, 2)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(f.Field), quoteEscaper.Replace(f.Filename))}
		h["Content-Type"] = []string{f.ContentType}

		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		_, err = io.Copy(w, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
