package handle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tutor-gate/api/internal/pipeline"
	"tutor-gate/api/internal/tutor"
	"tutor-gate/api/internal/util"
	"tutor-gate/api/internal/verdict"
)

type ChatRequest struct {
	Message string `json:"message"`
	// Image is plain base64 or a data: URL.
	Image string `json:"image,omitempty"`
}

// ChatResponse is the tutor's answer plus any non-blocking advice about the uploaded image.
type ChatResponse struct {
	tutor.Answer
	ImageAdvice *verdict.QualityGuidance `json:"image_advice,omitempty"`
}

type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func (h *Handle) Chat(w http.ResponseWriter, r *http.Request) {
	req := h.baseRequest(r)

	bad := h.readChat(w, r, &req)
	if bad == nil && req.Message == "" && len(req.Image) == 0 {
		bad = &requestError{http.StatusBadRequest, "message is required"}
	}
	if bad != nil {
		// an unusable body still passes the gate, blacklist and rate limit first
		if v := h.pipe.Screen(r.Context(), req); !v.Allowed {
			writeVerdict(w, v)
			return
		}
		writeError(w, bad.status, bad.msg)
		return
	}

	v := h.pipe.Handle(r.Context(), req)
	if !v.Allowed {
		writeVerdict(w, v)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.tutorWait)
	defer cancel()
	ans, err := h.tutor.Respond(ctx, req.Message, req.Image, req.MIME)
	if err != nil {
		if r.Context().Err() != nil {
			h.log.Info("client gone during tutor call", zap.String("request_id", req.ID))
			return
		}
		h.log.Error("tutor failed", zap.String("request_id", req.ID), zap.String("client", req.ClientAddr), zap.Error(err))
		writeError(w, http.StatusBadGateway, "tutor unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Answer: ans, ImageAdvice: v.Advice})
}

// readChat fills message and image from a JSON or multipart body.
func (h *Handle) readChat(w http.ResponseWriter, r *http.Request, req *pipeline.Request) *requestError {
	// base64 inflates by 4/3; leave room for the message
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImage*4/3+1<<20)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return bodyError(err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		req.Message = strings.TrimSpace(r.FormValue("message"))
		file, hdr, err := r.FormFile("image")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			return &requestError{http.StatusBadRequest, "bad image"}
		default:
			defer file.Close()
			b, err := io.ReadAll(file)
			if err != nil {
				return bodyError(err)
			}
			if len(b) > 0 {
				req.Image = b
				req.MIME = util.PickMIME(hdr.Header.Get("Content-Type"), "", b)
			}
		}
		return nil
	}

	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return bodyError(err)
	}
	req.Message = strings.TrimSpace(body.Message)
	if strings.TrimSpace(body.Image) != "" {
		b, hint, err := util.DecodeBase64MaybeDataURL(body.Image)
		if err != nil {
			return &requestError{http.StatusBadRequest, "bad image encoding"}
		}
		req.Image = b
		req.MIME = util.PickMIME("", hint, b)
	}
	return nil
}

func bodyError(err error) *requestError {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
		return &requestError{http.StatusRequestEntityTooLarge, "request body too large"}
	}
	return &requestError{http.StatusBadRequest, "invalid request body"}
}
