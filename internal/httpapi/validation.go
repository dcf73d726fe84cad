package httpapi

import (
	"sync"

	"github.com/anomalyco/patchpilot/internal/taskstore"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// registerValidators adds the "taskid" binding tag to gin's validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("taskid", func(fl validator.FieldLevel) bool {
			return taskstore.ValidateID(fl.Field().String()) == nil
		})
	})
}
