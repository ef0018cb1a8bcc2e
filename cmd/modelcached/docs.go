package main

// General API documentation for swaggo. Run `swag init -g cmd/modelcached/main.go` to generate docs.
//
// @title           modelcached API
// @version         1.0
// @description     HTTP API for downloading, caching and managing remotely hosted ML model files.
//
// @contact.name   modelcached maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
