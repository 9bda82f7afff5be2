package settings

import "errors"

var ErrInvalidWebhookURL = errors.New("business webhook url must be an absolute http(s) url")
