// Package upload streams uploaded files into the shared directory.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/storage"
)

var (
	// ErrTooLarge means a file exceeded the per-file size ceiling.
	ErrTooLarge = errors.New("file exceeds the upload size limit")
	// ErrNoFiles means the request carried no file parts.
	ErrNoFiles = errors.New("no files uploaded")
	// ErrMalformed means the request body could not be parsed.
	ErrMalformed = errors.New("malformed upload")
)

// FieldName is the multipart form field that carries files.
const FieldName = "files"

// File is one incoming file. Size is -1 when the sender did not declare it.
type File struct {
	SuggestedName string
	Size          int64
	Content       io.Reader
}

// Source yields the files of one upload request and io.EOF after the last.
// A File's Content is only valid until the next call to Next.
type Source interface {
	Next() (*File, error)
}

// MultipartSource reads file parts of the FieldName field from a multipart
// body. Other parts are skipped.
type MultipartSource struct {
	r *multipart.Reader
}

// NewMultipartSource wraps a multipart reader.
func NewMultipartSource(r *multipart.Reader) *MultipartSource {
	return &MultipartSource{r: r}
}

func (m *MultipartSource) Next() (*File, error) {
	for {
		part, err := m.r.NextPart()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if part.FormName() != FieldName || part.FileName() == "" {
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}
		return &File{SuggestedName: part.FileName(), Size: -1, Content: part}, nil
	}
}

// Ingestor writes uploads to a directory.
type Ingestor struct {
	maxSize int64
	tracker storage.Tracker
}

// New creates an Ingestor that accepts files of up to maxSize bytes.
// tracker, if non-nil, is told about every name the ingestor claims.
func New(maxSize int64, tracker storage.Tracker) *Ingestor {
	return &Ingestor{maxSize: maxSize, tracker: tracker}
}

// MaxSize returns the per-file ceiling in bytes.
func (in *Ingestor) MaxSize() int64 { return in.maxSize }

// Ingest stores every file from src in dir, in order. Files stored before a
// failure stay stored and are returned alongside the error.
func (in *Ingestor) Ingest(ctx context.Context, dir *storage.Dir, src Source) ([]protocol.UploadResult, error) {
	var results []protocol.UploadResult
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		f, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results, err
		}

		res, err := in.ingestOne(dir, f)
		if err != nil {
			logging.Warn("upload failed",
				zap.String("name", f.SuggestedName), zap.Int("stored_before", len(results)), zap.Error(err))
			return results, err
		}
		logging.Info("file uploaded",
			zap.String("name", res.Name), zap.String("stored_name", res.StoredName), zap.Int64("size", res.Size))
		results = append(results, res)
	}

	if len(results) == 0 {
		return nil, ErrNoFiles
	}
	return results, nil
}

func (in *Ingestor) ingestOne(dir *storage.Dir, f *File) (protocol.UploadResult, error) {
	name := CleanName(f.SuggestedName)
	if err := storage.ValidateName(name); err != nil {
		return protocol.UploadResult{}, err
	}
	if f.Size > in.maxSize {
		metrics.RecordUploadRejected()
		return protocol.UploadResult{}, fmt.Errorf("%w: %s", ErrTooLarge, name)
	}

	tmp, err := dir.CreateTemp()
	if err != nil {
		metrics.RecordUpload(0, false)
		return protocol.UploadResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(f.Content, in.maxSize+1))
	if err != nil {
		metrics.RecordUpload(0, false)
		return protocol.UploadResult{}, fmt.Errorf("write %s: %w", name, err)
	}
	if n > in.maxSize {
		metrics.RecordUploadRejected()
		return protocol.UploadResult{}, fmt.Errorf("%w: %s", ErrTooLarge, name)
	}
	if err := tmp.Close(); err != nil {
		metrics.RecordUpload(0, false)
		return protocol.UploadResult{}, fmt.Errorf("write %s: %w", name, err)
	}

	stored, err := dir.Commit(tmp.Name(), name, in.tracker)
	if err != nil {
		metrics.RecordUpload(0, false)
		return protocol.UploadResult{}, err
	}
	committed = true
	metrics.RecordUpload(n, true)

	return protocol.UploadResult{Name: name, StoredName: stored, Size: n}, nil
}

// CleanName reduces a client-supplied file name to its last path element,
// treating both slash kinds as separators.
func CleanName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}
