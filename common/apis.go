package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method" `
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

// UpdateLogTags returns a new Apex log.Fields combining the original tags with
// the request parameters recorded in the context
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newTags := log.Fields{}
	for field, value := range original {
		newTags[field] = value
	}
	param, ok := ctxt.Value(RequestParam{}).(RequestParam)
	if !ok {
		return newTags, fmt.Errorf("request parameters missing from context")
	}
	param.UpdateLogTags(newTags)
	return newTags, nil
}
