// params.go — привязка параметров пути и запроса через oapi-codegen runtime,
// как в сгенерированных обёртках ServerInterface.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ListUploadsParams — параметры GET /api/v1/uploads.
type ListUploadsParams struct {
	// Status — фильтр по статусу загрузки
	Status *string
	// Limit — размер страницы, [1, 1000], по умолчанию 100
	Limit *int
	// Offset — смещение страницы
	Offset *int
}

// bindPathID привязывает параметр пути {id} (style simple, обязательный).
// При ошибке пишет 400 и возвращает false.
func bindPathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный параметр id: %s", err))
		return "", false
	}
	return id, true
}

// bindListUploadsParams привязывает параметры запроса списка (style form, explode).
func bindListUploadsParams(r *http.Request) (ListUploadsParams, error) {
	var params ListUploadsParams
	query := r.URL.Query()

	if err := runtime.BindQueryParameter("form", true, false, "status", query, &params.Status); err != nil {
		return params, fmt.Errorf("некорректный параметр status: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		return params, fmt.Errorf("limit должен быть целым числом: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &params.Offset); err != nil {
		return params, fmt.Errorf("offset должен быть целым числом: %w", err)
	}
	return params, nil
}

// page возвращает limit и offset с ограничениями и значениями по умолчанию.
func (p ListUploadsParams) page() (limit, offset int) {
	limit = defaultLimit
	if p.Limit != nil {
		limit = min(max(*p.Limit, 1), maxLimit)
	}
	if p.Offset != nil {
		offset = max(*p.Offset, 0)
	}
	return limit, offset
}
