package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"voice-notes-go/internal/auth"
	"voice-notes-go/internal/export"
	"voice-notes-go/internal/types"
)

func caller(r *http.Request) string {
	id, _ := auth.CallerFrom(r.Context())
	return id
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Chunks.CreateJob(r.Context(), caller(r))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": j.ID, "status": j.Status()})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Stepper.Status(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.deps.Authz.Authorize(r.Context(), caller(r), jobID); err != nil {
		writeError(w, err, nil)
		return
	}
	if err := s.deps.Store.DeleteJob(r.Context(), jobID); err != nil {
		writeError(w, err, nil)
		return
	}
	s.log.WithField("job_id", jobID).Info("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, types.ErrInvalidIndex, nil)
		return
	}
	body := io.Reader(r.Body)
	if s.deps.MaxChunkBytes > 0 {
		// one byte over the limit is enough for the service to reject it
		body = io.LimitReader(r.Body, int64(s.deps.MaxChunkBytes)+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, types.E(types.KindInput, "read chunk", err), nil)
		return
	}

	jobID := r.PathValue("id")
	mime := r.Header.Get("Content-Type")
	if err := s.deps.Chunks.PutChunk(r.Context(), caller(r), jobID, index, data, mime, r.URL.Query().Get("filename")); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "index": index, "size": len(data)})
}

func (s *Server) listChunks(w http.ResponseWriter, r *http.Request) {
	metas, err := s.deps.Chunks.ListChunks(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if metas == nil {
		metas = []types.ChunkMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	total := 0
	if v := r.URL.Query().Get("total"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, types.E(types.KindInput, "finalize", fmt.Errorf("invalid total %q", v)), nil)
			return
		}
		total = n
	}
	j, err := s.deps.Chunks.Finalize(r.Context(), caller(r), r.PathValue("id"), total)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_chunks": j.TotalChunks, "status": j.Status()})
}

func (s *Server) finalizeAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Processor.Finalize(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		st := res.Status
		if st.JobID == "" {
			writeError(w, err, nil)
			return
		}
		writeError(w, err, &st)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) step(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Stepper.Step(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		if st.JobID == "" {
			writeError(w, err, nil)
			return
		}
		writeError(w, err, &st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// doneJob loads a job the caller owns and insists it is finished.
func (s *Server) doneJob(w http.ResponseWriter, r *http.Request) (*types.Job, bool) {
	j, err := s.deps.Authz.Authorize(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return nil, false
	}
	if j.Stage != types.StageDone {
		st := j.Status()
		writeJSON(w, http.StatusConflict, errorBody{
			Error:  fmt.Sprintf("job is in stage %s, not done", j.Stage),
			Kind:   "not_ready",
			Status: &st,
		})
		return nil, false
	}
	return j, true
}

func (s *Server) note(w http.ResponseWriter, r *http.Request) {
	j, ok := s.doneJob(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]any{
			"markdown":   j.Markdown,
			"note":       j.Note,
			"provenance": j.Provenance,
		})
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, j.Markdown)
}

func (s *Server) exportXLSX(w http.ResponseWriter, r *http.Request) {
	j, ok := s.doneJob(w, r)
	if !ok {
		return
	}
	f, err := export.Workbook(j)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "notes-"+j.ID+".xlsx"))
	if _, err := f.WriteTo(w); err != nil {
		s.log.WithField("job_id", j.ID).WithError(err).Warn("export write failed")
	}
}
