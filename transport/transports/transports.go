// Package transports registers every built-in fan-out transport with the
// default registry. Import it for its side effects.
package transports

import (
	_ "github.com/drblury/wsflow/transport/aws"
	_ "github.com/drblury/wsflow/transport/channel"
	_ "github.com/drblury/wsflow/transport/http"
	_ "github.com/drblury/wsflow/transport/kafka"
	"github.com/drblury/wsflow/transport/nats"
	"github.com/drblury/wsflow/transport/rabbitmq"
	_ "github.com/drblury/wsflow/transport/redis"
)

func init() {
	nats.Register()
	rabbitmq.Register()
}
