package internal

import (
	"net/http"

	"equipment-loan-api/internal/models"
)

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.Engine.ListCategories(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": cats})
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var in models.Category
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Engine.CreateCategory(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) listDeviceTypes(w http.ResponseWriter, r *http.Request) {
	categoryID, err := int64Query(r, "category_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	types, err := s.Engine.ListDeviceTypes(r.Context(), categoryID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": types})
}

func (s *Server) createDeviceType(w http.ResponseWriter, r *http.Request) {
	var in models.DeviceType
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Engine.CreateDeviceType(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type templateLineRequest struct {
	RequiredQty int `json:"required_qty"`
	SortOrder   int `json:"sort_order"`
}

func (s *Server) putTemplateLine(w http.ResponseWriter, r *http.Request) {
	deviceTypeID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	itemID, err := idParam(r, "itemId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in templateLineRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	line := models.TemplateLine{DeviceTypeID: deviceTypeID, ItemID: itemID, RequiredQty: in.RequiredQty, SortOrder: in.SortOrder}
	if err := s.Engine.PutTemplateLine(r.Context(), line); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	var in models.Item
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Engine.CreateItem(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// deleteItem refuses with 409 while any check line references the item.
func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.DeleteItem(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createUnit(w http.ResponseWriter, r *http.Request) {
	var in models.DeviceUnit
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Engine.CreateUnit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type overrideRequest struct {
	Action string `json:"action"`
	Qty    *int   `json:"qty,omitempty"`
}

func (s *Server) putOverride(w http.ResponseWriter, r *http.Request) {
	unitID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	itemID, err := idParam(r, "itemId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in overrideRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	action, err := models.NewOverrideAction(in.Action, in.Qty)
	if err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	out, err := s.Engine.SetOverride(r.Context(), unitID, itemID, action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteOverride(w http.ResponseWriter, r *http.Request) {
	unitID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	itemID, err := idParam(r, "itemId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.DeleteOverride(r.Context(), unitID, itemID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
