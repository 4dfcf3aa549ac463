package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/auth"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// maxSignalFileSize caps uploaded and saved signal files
const maxSignalFileSize = 1 << 20

// signalListResponse is the signal file as the client sees it
type signalListResponse struct {
	Signals []signals.View      `json:"signals"`
	Errors  []signals.LineError `json:"errors"`
}

// signalList converts a load result. Missing files read as empty; rejected lines are
// reported next to the valid signals.
func signalList(list []signals.Signal, err error) (signalListResponse, error) {
	resp := signalListResponse{Signals: make([]signals.View, len(list)), Errors: []signals.LineError{}}
	for i, sig := range list {
		resp.Signals[i] = sig.ToView(i)
	}

	var pe *signals.ParseError
	switch {
	case err == nil, errors.Is(err, signals.ErrSourceNotFound):
	case errors.As(err, &pe):
		resp.Errors = pe.Lines
	default:
		return resp, err
	}
	return resp, nil
}

// signalFile returns the caller's signal file, writing an error when the session has none
func (s *Server) signalFile(c *gin.Context) (*signals.FileSource, bool) {
	fs, ok := auth.GetSession(c).SignalFile()
	if !ok {
		errorResponse(c, http.StatusConflict, "NO_SIGNAL_FILE", "session has no signal file")
	}
	return fs, ok
}

// handleListSignals lists the signal file
// GET /api/signals
func (s *Server) handleListSignals(c *gin.Context) {
	fs, ok := s.signalFile(c)
	if !ok {
		return
	}
	resp, err := signalList(fs.LoadAll())
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, resp)
}

type saveSignalsRequest struct {
	Content string `json:"content"`
}

// handleSaveSignals replaces the signal file content. Invalid lines are kept in the
// file and reported.
// PUT /api/signals
func (s *Server) handleSaveSignals(c *gin.Context) {
	var req saveSignalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if len(req.Content) > maxSignalFileSize {
		errorResponse(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "signal file exceeds 1 MiB")
		return
	}

	fs, ok := s.signalFile(c)
	if !ok {
		return
	}
	resp, err := signalList(fs.Save(req.Content))
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, resp)
}

type addSignalRequest struct {
	Timeframe string `json:"timeframe" binding:"required"`
	Asset     string `json:"asset" binding:"required"`
	Time      string `json:"time" binding:"required"`
	Direction string `json:"direction" binding:"required"`
}

// handleAddSignal appends one signal
// POST /api/signals
func (s *Server) handleAddSignal(c *gin.Context) {
	var req addSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	sig, err := signals.New(req.Timeframe, req.Asset, req.Time, req.Direction)
	if err != nil {
		s.respondError(c, err)
		return
	}

	fs, ok := s.signalFile(c)
	if !ok {
		return
	}
	if err := fs.Add(sig); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": sig.ToView(len(fs.All()) - 1)})
}

// handleDeleteSignal removes the index-th valid signal
// DELETE /api/signals/:index
func (s *Server) handleDeleteSignal(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "index must be an integer")
		return
	}

	fs, ok := s.signalFile(c)
	if !ok {
		return
	}
	removed, err := fs.Remove(index)
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, removed.ToView(index))
}

// handleUploadSignals replaces the signal file with an uploaded .txt file
// POST /api/signals/upload
func (s *Server) handleUploadSignals(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "file is required")
		return
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".txt") {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "only .txt files are accepted")
		return
	}
	if header.Size > maxSignalFileSize {
		errorResponse(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "signal file exceeds 1 MiB")
		return
	}

	f, err := header.Open()
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxSignalFileSize))
	if err != nil {
		s.respondError(c, err)
		return
	}

	fs, ok := s.signalFile(c)
	if !ok {
		return
	}
	resp, err := signalList(fs.Save(string(content)))
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, resp)
}
