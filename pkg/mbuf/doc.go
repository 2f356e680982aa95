// Package mbuf implements a durable, append-only message buffer on a local
// filesystem. Messages are stored in fixed-size segment files named so that
// lexicographic order is message-ID order; the buffer behaves as a bounded
// ring over disk, reclaiming the oldest segments once the configured size cap
// is exceeded.
//
// Basic usage:
//
//	buf, err := mbuf.Open("/var/lib/myapp/events", mbuf.Options{
//		MaxSize: 10 << 30,
//	})
//	if err != nil {
//		...
//	}
//	defer buf.Close()
//
//	id, err := buf.Append(time.Now().UnixMilli(), "orders.created", payload)
//
// Consumers open forward cursors by message ID or timestamp and can block
// until new messages arrive:
//
//	c, err := buf.Cursor(0)
//	defer c.Close()
//	for {
//		ok, err := c.NextWait(5 * time.Second)
//		if err != nil || !ok {
//			break
//		}
//		process(c.ID(), c.RoutingKey(), c.Payload())
//	}
package mbuf
