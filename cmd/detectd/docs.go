package main

// General API documentation for swaggo. Run `swag init -g cmd/detectd/docs.go`
// to generate docs.
//
// @title           detectd API
// @version         1.0
// @description     HTTP API for on-device, resource-adaptive detection pipelines.
//
// @contact.name   detectd maintainers
// @contact.url    https://github.com/your-org/detectd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
