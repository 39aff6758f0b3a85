// Package registry tracks which live sockets belong to which trip
// session and which user.
//
// Each Connection owns its socket through a dedicated writer goroutine
// (buffered channel, write deadlines, ping keepalive), so sends are FIFO
// per connection and a slow client surfaces as a full send buffer rather
// than a blocked broadcast. The registry itself knows nothing about
// message content.
package registry
