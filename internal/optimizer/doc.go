// Package optimizer decides how outbound traffic reaches clients:
// throttle, batch, or send now. It also scores every connection's
// health from delivery outcomes so degrading sockets can be slowed down
// or evicted before they hurt the rest of the room.
package optimizer
