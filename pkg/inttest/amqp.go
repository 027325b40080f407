package inttest

import (
	"fmt"
	"testing"

	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

// SetupRabbitMQ creates a RabbitMQ container returning an AMQP client ready to consume the messages
// published to it.
func SetupRabbitMQ(t *testing.T) *AMQPClient {
	t.Helper()

	container, err := gnomock.Start(
		rabbitmq.Preset(
			rabbitmq.WithUser("dbh", "dbh"),
		),
	)
	require.NoError(t, err, "failed to start RabbitMQ")
	t.Cleanup(func() { require.NoError(t, gnomock.Stop(container), "failed to stop RabbitMQ") })

	URI := fmt.Sprintf(
		"amqp://%s:%s@%s",
		"dbh", "dbh",
		container.DefaultAddress(),
	)
	conn, err := amqp.Dial(URI)
	require.NoErrorf(t, err, "failed to connect to RabbitMQ on %s", URI)
	t.Cleanup(func() {
		require.NoError(t, conn.Close(), "failed to close connection to RabbitMQ")
	})

	ch, err := conn.Channel()
	require.NoError(t, err, "failed to open channel to RabbitMQ")

	return &AMQPClient{Channel: ch, URI: URI, Host: container.Host, Port: container.DefaultPort()}
}

// AMQPClient wraps a channel to a RabbitMQ container.
type AMQPClient struct {
	Channel *amqp.Channel
	URI     string
	Host    string
	Port    int
}

// Bind declares an exclusive queue bound to given exchange and routing key and returns its
// deliveries.
func (a *AMQPClient) Bind(t *testing.T, exchange, routingKey string) <-chan amqp.Delivery {
	t.Helper()

	err := a.Channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	require.NoError(t, err, "failed to declare exchange")

	queue, err := a.Channel.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err, "failed to declare queue")

	err = a.Channel.QueueBind(queue.Name, routingKey, exchange, false, nil)
	require.NoError(t, err, "failed to bind queue")

	deliveries, err := a.Channel.Consume(queue.Name, "", true, true, false, false, nil)
	require.NoError(t, err, "failed to consume queue")
	return deliveries
}
