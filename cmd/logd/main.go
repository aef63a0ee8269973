package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("logd", "a small replicated log service", NewService())
}
