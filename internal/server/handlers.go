package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Watee22/epubTranslator/internal/checkpoint"
	"github.com/Watee22/epubTranslator/internal/epub"
	"github.com/Watee22/epubTranslator/internal/glossary"
	"github.com/Watee22/epubTranslator/internal/job"
	"github.com/Watee22/epubTranslator/internal/terms"
)

type jobStatus struct {
	JobInfo
	ProgressPercentage float64 `json:"progress_percentage"`
	DownloadURL        string  `json:"download_url,omitempty"`
	OutputSize         string  `json:"output_size,omitempty"`
}

func (s *Server) status(info JobInfo) jobStatus {
	st := jobStatus{JobInfo: info, ProgressPercentage: info.percent()}
	if info.terminal() {
		if fi, err := os.Stat(info.OutputPath); err == nil {
			st.DownloadURL = fmt.Sprintf("/api/jobs/%s/download", info.ID)
			st.OutputSize = formatFileSize(fi.Size())
		}
	}
	return st
}

func (s *Server) handleCreateJob(c *gin.Context) {
	file, err := c.FormFile("epub")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext != ".epub" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File must be an EPUB"})
		return
	}
	if file.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large (max 50MB)"})
		return
	}

	workers, err := strconv.Atoi(c.DefaultPostForm("workers", "0"))
	if err != nil || workers < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workers must be a non-negative integer"})
		return
	}
	resume, err := strconv.ParseBool(c.DefaultPostForm("resume", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resume must be a boolean"})
		return
	}

	staging, err := s.stageUpload()
	if err != nil {
		s.logger.Errorf("Failed to create upload directory: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}
	defer func() { _ = os.RemoveAll(staging) }()

	name := sanitizeFilename(strings.TrimSuffix(filepath.Base(file.Filename), filepath.Ext(file.Filename))) + ".epub"
	staged := filepath.Join(staging, name)
	if err := c.SaveUploadedFile(file, staged); err != nil {
		s.logger.Errorf("Failed to save uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	if _, err := epub.Open(staged); err != nil {
		s.logger.Warnf("Rejected upload %s: %v", file.Filename, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid EPUB file"})
		return
	}

	userTerms, err := s.uploadedGlossary(c, staging)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inputPath, err := s.jobInput(staged)
	if err != nil {
		s.logger.Errorf("Failed to place uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	id := uuid.New().String()
	info, err := s.jobs.start(job.Options{
		JobID:        id,
		InputPath:    inputPath,
		Workers:      workers,
		UserGlossary: userTerms,
		Resume:       resume,
	}, file.Filename)
	if err != nil {
		var active *activeJobError
		if errors.As(err, &active) {
			c.JSON(http.StatusConflict, gin.H{
				"error":      "A job for this book is already running",
				"id":         active.id,
				"status_url": fmt.Sprintf("/api/jobs/%s", active.id),
			})
			return
		}
		s.logger.Errorf("Failed to start job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start job"})
		return
	}

	s.logger.WithField("job", id).Infof("Started translation of %s", file.Filename)

	c.JSON(http.StatusAccepted, gin.H{
		"id":         info.ID,
		"state":      info.State,
		"status_url": fmt.Sprintf("/api/jobs/%s", info.ID),
	})
}

func (s *Server) stageUpload() (string, error) {
	if err := os.MkdirAll(s.config.App.TempDir, 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(s.config.App.TempDir, "upload-")
}

// jobInput moves a staged upload into the job directory keyed on its
// content, so uploading the same book again finds the checkpoint and the
// partial output of the earlier run next to it. An input already there has
// the same bytes and is kept.
func (s *Server) jobInput(staged string) (string, error) {
	fingerprint, err := checkpoint.Fingerprint(staged)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.config.App.TempDir, "jobs", fingerprint)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	inputPath := filepath.Join(dir, filepath.Base(staged))
	if _, err := os.Stat(inputPath); err == nil {
		return inputPath, nil
	}
	return inputPath, os.Rename(staged, inputPath)
}

// uploadedGlossary reads the optional "glossary" form file.
func (s *Server) uploadedGlossary(c *gin.Context, dir string) (glossary.Terms, error) {
	file, err := c.FormFile("glossary")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid glossary upload: %w", err)
	}
	if file.Size > maxUploadSize {
		return nil, errors.New("glossary too large")
	}

	path := filepath.Join(dir, "user_glossary"+strings.ToLower(filepath.Ext(file.Filename)))
	if err := c.SaveUploadedFile(file, path); err != nil {
		return nil, fmt.Errorf("failed to save glossary: %w", err)
	}

	userTerms, err := glossary.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid glossary: %w", err)
	}
	return userTerms, nil
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.jobs.list()
	out := make([]jobStatus, 0, len(jobs))
	for _, info := range jobs {
		out = append(out, s.status(info))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "total": len(out)})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	info, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, s.status(info))
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")

	switch err := s.jobs.cancel(id); {
	case errors.Is(err, errJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, errJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished"})
	default:
		s.logger.WithField("job", id).Info("Cancellation requested")
		c.JSON(http.StatusAccepted, gin.H{"message": "Cancellation requested"})
	}
}

func (s *Server) handleDownload(c *gin.Context) {
	info, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if !info.terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Translation still running"})
		return
	}

	path := info.OutputPath
	if info.PersistentCopyPath != "" {
		path = info.PersistentCopyPath
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output not found"})
		return
	}

	filename := sanitizeFilename(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))) + ".epub"

	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Transfer-Encoding", "binary")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Header("Content-Type", "application/epub+zip")

	c.File(path)
}

// handleExtractTerms returns candidate glossary terms of an uploaded book,
// as JSON or, with ?format=csv|xlsx, as a sheet to fill in.
func (s *Server) handleExtractTerms(c *gin.Context) {
	file, err := c.FormFile("epub")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if file.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large (max 50MB)"})
		return
	}

	format := strings.ToLower(c.DefaultQuery("format", "json"))
	switch format {
	case "json", "csv", "xlsx":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json, csv or xlsx"})
		return
	}

	if err := os.MkdirAll(s.config.App.TempDir, 0755); err != nil {
		s.logger.Errorf("Failed to create temp directory: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}
	dir, err := os.MkdirTemp(s.config.App.TempDir, "terms-")
	if err != nil {
		s.logger.Errorf("Failed to create temp directory: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inputPath := filepath.Join(dir, "book.epub")
	if err := c.SaveUploadedFile(file, inputPath); err != nil {
		s.logger.Errorf("Failed to save uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	found, err := terms.Extract(inputPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid EPUB file"})
		return
	}

	if format == "json" {
		c.JSON(http.StatusOK, gin.H{"terms": found, "count": len(found)})
		return
	}

	base := sanitizeFilename(strings.TrimSuffix(filepath.Base(file.Filename), filepath.Ext(file.Filename)))
	sheetPath := filepath.Join(dir, base+"_terms."+format)
	if err := terms.ExportSheet(sheetPath, found); err != nil {
		s.logger.Errorf("Failed to export terms: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export terms"})
		return
	}
	c.FileAttachment(sheetPath, filepath.Base(sheetPath))
}

func sanitizeFilename(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "translated_book"
	}
	return b.String()
}

func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
