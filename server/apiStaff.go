package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"time"

	"github.com/cyclopcam/wardwatch/server/staffdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

type staffRegisterJSON struct {
	Name       string          `json:"name"`
	Role       string          `json:"role"`
	Department string          `json:"department"`
	Angles     []staffdb.Angle `json:"angles"`
	Images     []string        `json:"images"` // base64 JPEG or PNG, used when Angles is empty
}

func (s *Server) httpStaffRegister(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req := staffRegisterJSON{}
	www.ReadJSON(w, r, &req, maxRequestBody)

	reg := staffdb.Registration{
		Name:       req.Name,
		Role:       req.Role,
		Department: req.Department,
		Angles:     req.Angles,
	}
	if len(reg.Angles) == 0 && len(req.Images) != 0 {
		if len(req.Images) > staffdb.MaxAngles {
			www.PanicBadRequestf("At most %v images are allowed", staffdb.MaxAngles)
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		angles, err := s.embedImages(ctx, req.Images)
		if err != nil {
			www.PanicBadRequestf("%v", err)
		}
		reg.Angles = angles
	}

	id, err := s.staff.Register(r.Context(), reg)
	if errors.Is(err, staffdb.ErrInvalidRegistration) {
		www.PanicBadRequestf("%v", err)
	}
	www.Check(err)

	www.SendJSON(w, map[string]any{
		"staffID": id,
		"angles":  len(reg.Angles),
	})
}

// embedImages computes the coarse and precise vectors of each registration image.
// An image without a genuine face is skipped, unless no face model is configured.
func (s *Server) embedImages(ctx context.Context, images []string) ([]staffdb.Angle, error) {
	angles := []staffdb.Angle{}
	for i, b64 := range images {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("Image %v is not valid base64: %w", i, err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("Image %v could not be decoded: %w", i, err)
		}
		angle := staffdb.Angle{Name: fmt.Sprintf("angle%v", i)}
		if s.face != nil {
			face, err := s.face.Face(ctx, img)
			if err != nil {
				return nil, err
			}
			if !face.IsGenuine() {
				s.Log.Infof("Staff registration: no face found in image %v", i)
				continue
			}
			angle.Precise = face.Embedding
		}
		angle.Coarse, err = s.embedder.Embed(ctx, img)
		if err != nil {
			return nil, err
		}
		angles = append(angles, angle)
	}
	if len(angles) == 0 {
		return nil, fmt.Errorf("No face was found in any of the images")
	}
	return angles, nil
}

func (s *Server) httpStaffList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.staff.List())
}

func (s *Server) httpStaffGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	staff, ok := s.staff.Get(params.ByName("id"))
	if !ok {
		www.PanicNotFound()
	}
	www.SendJSON(w, &staff)
}

// Authorization is revoked at each track's next recheck
func (s *Server) httpStaffDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	n, err := s.staff.Delete(r.Context(), id)
	www.Check(err)
	if n == 0 {
		www.PanicNotFound()
	}
	s.Log.Infof("Staff: removed %v (%v points)", id, n)
	www.SendOK(w)
}
