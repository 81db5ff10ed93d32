package response

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// APIResponse is the body of every non-stream endpoint.
type APIResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

func SendAPIResponse(c *gin.Context, code int, success bool, message string, data any) {
	c.JSON(code, APIResponse{
		Success:   success,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UnixMilli(),
	})
}

// SendError aborts the chain with an error body. A positive retryAfter sets
// the Retry-After header, rounded up to whole seconds.
func SendError(c *gin.Context, code int, message string, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}
	c.AbortWithStatusJSON(code, APIResponse{
		Success:   false,
		Message:   message,
		CreatedAt: time.Now().UnixMilli(),
	})
}
