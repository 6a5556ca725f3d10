// Settings handlers.
//
//   - GET    /settings/{key}  effective settings (own row or inherited)
//   - PUT    /settings/{key}  merge the given fields into the chat's row
//   - DELETE /settings/{key}  drop the chat's row; it inherits again
//
// The shared row of every order chat is addressed with key "__orders__".
// Purchase tokens are write-only: responses only say whether one is set.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/repo"
)

// SettingsRequest is the PUT payload. Nil fields keep their current value;
// a chat without its own row starts from its effective settings.
type SettingsRequest struct {
	Token                  *string           `json:"token"                     binding:"omitempty,max=4096"`
	PluginEnabled          *bool             `json:"plugin_enabled"`
	AutoRefund             *bool             `json:"auto_refund"`
	AutoDeactivate         *bool             `json:"auto_deactivate"`
	ManualRefundEnabled    *bool             `json:"manual_refund_enabled"`
	ManualRefundPriority   *bool             `json:"manual_refund_priority"`
	CaptureHandleFromOrder *bool             `json:"capture_handle_from_order"`
	MinBalanceTON          *float64          `json:"min_balance_ton"           binding:"omitempty,gte=0"`
	MinQuantity            *int              `json:"min_quantity"              binding:"omitempty,gte=1,lte=1000000"`
	Templates              map[string]string `json:"templates"                 binding:"omitempty,dive,keys,tplkey,endkeys,max=2000"`
}

func (r SettingsRequest) apply(st *domain.ChatSettings) {
	if r.Token != nil {
		st.Token = *r.Token
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setBool(&st.PluginEnabled, r.PluginEnabled)
	setBool(&st.AutoRefund, r.AutoRefund)
	setBool(&st.AutoDeactivate, r.AutoDeactivate)
	setBool(&st.ManualRefundEnabled, r.ManualRefundEnabled)
	setBool(&st.ManualRefundPriority, r.ManualRefundPriority)
	setBool(&st.CaptureHandleFromOrder, r.CaptureHandleFromOrder)
	if r.MinBalanceTON != nil {
		st.MinBalanceTON = *r.MinBalanceTON
	}
	if r.MinQuantity != nil {
		st.MinQuantity = *r.MinQuantity
	}
	if len(r.Templates) > 0 {
		if st.Templates == nil {
			st.Templates = domain.DefaultTemplates()
		}
		for k, v := range r.Templates {
			st.Templates[k] = v
		}
	}
}

// SettingsResponse is the public view of a chat's settings.
type SettingsResponse struct {
	ChatKey                string           `json:"chat_key"`
	Inherited              bool             `json:"inherited"`
	HasToken               bool             `json:"has_token"`
	PluginEnabled          bool             `json:"plugin_enabled"`
	AutoRefund             bool             `json:"auto_refund"`
	AutoDeactivate         bool             `json:"auto_deactivate"`
	ManualRefundEnabled    bool             `json:"manual_refund_enabled"`
	ManualRefundPriority   bool             `json:"manual_refund_priority"`
	CaptureHandleFromOrder bool             `json:"capture_handle_from_order"`
	MinBalanceTON          float64          `json:"min_balance_ton"`
	MinQuantity            int              `json:"min_quantity"`
	Templates              domain.Templates `json:"templates"`
	UpdatedAt              *time.Time       `json:"updated_at,omitempty"`
}

func settingsResponse(key string, st domain.ChatSettings, inherited bool) SettingsResponse {
	resp := SettingsResponse{
		ChatKey:                key,
		Inherited:              inherited,
		HasToken:               st.HasToken(),
		PluginEnabled:          st.PluginEnabled,
		AutoRefund:             st.AutoRefund,
		AutoDeactivate:         st.AutoDeactivate,
		ManualRefundEnabled:    st.ManualRefundEnabled,
		ManualRefundPriority:   st.ManualRefundPriority,
		CaptureHandleFromOrder: st.CaptureHandleFromOrder,
		MinBalanceTON:          st.MinBalanceTON,
		MinQuantity:            st.MinQty(),
		Templates:              st.Templates,
	}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

// current returns the chat's own row, or its effective settings re-keyed to
// the chat when it has none.
func (h *Handlers) current(c *gin.Context, key string) (st domain.ChatSettings, inherited bool, err error) {
	own, err := h.settings.Get(c.Request.Context(), key)
	if err == nil {
		return *own, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ChatSettings{}, false, err
	}
	eff, err := h.settings.Settings(c.Request.Context(), key)
	if err != nil {
		return domain.ChatSettings{}, false, err
	}
	return eff, true, nil
}

// GetSettings returns the effective settings of a chat.
func (h *Handlers) GetSettings(c *gin.Context) {
	key, valid := chatKey(c)
	if !valid {
		return
	}
	st, inherited, err := h.current(c, key)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSettingsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, settingsResponse(key, st, inherited))
}

// PutSettings merges the payload into the chat's own row, creating it from
// the effective settings when missing.
func (h *Handlers) PutSettings(c *gin.Context) {
	key, valid := chatKey(c)
	if !valid {
		return
	}
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return
	}

	st, _, err := h.current(c, key)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSettingsFailed, err.Error())
		return
	}
	st.ChatKey = key
	req.apply(&st)
	if err := h.settings.Save(c.Request.Context(), &st); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSettingsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, settingsResponse(key, st, false))
}

// DeleteSettings drops the chat's own row.
func (h *Handlers) DeleteSettings(c *gin.Context) {
	key, valid := chatKey(c)
	if !valid {
		return
	}
	if err := h.settings.Delete(c.Request.Context(), key); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSettingsFailed, err.Error())
		return
	}
	noContent(c)
}
