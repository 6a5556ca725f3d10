package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

var (
	chatKeyRE = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)
	orderIDRE = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)

	registerOnce sync.Once
	registerErr  error
)

// registerValidators installs the "chatkey", "orderid" and "tplkey" tags on
// gin's validator engine.
func registerValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("binding validator is not go-playground/validator")
			return
		}
		// report JSON names in validation errors
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		tags := map[string]validator.Func{
			"chatkey": func(fl validator.FieldLevel) bool { return chatKeyRE.MatchString(fl.Field().String()) },
			"orderid": func(fl validator.FieldLevel) bool {
				return orderIDRE.MatchString(strings.TrimPrefix(fl.Field().String(), "#"))
			},
			"tplkey": func(fl validator.FieldLevel) bool {
				_, ok := domain.DefaultTemplates()[fl.Field().String()]
				return ok
			},
		}
		for tag, fn := range tags {
			if err := v.RegisterValidation(tag, fn); err != nil {
				registerErr = fmt.Errorf("register %s: %w", tag, err)
				return
			}
		}
	})
	return registerErr
}

func mustRegisterValidators() {
	if err := registerValidators(); err != nil {
		panic(err)
	}
}

// validationMessage turns binding errors into a short client message.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return "invalid JSON body"
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// normalizeOrderID strips a leading '#', as buyers and sellers write it.
func normalizeOrderID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), "#")
}
