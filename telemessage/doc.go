// Package telemessage transmits blocks of line-protocol telemetry to the
// Eniris ingress API.
//
// A Telemessage is a set of lines that must be sent in one request, together
// with the query parameters that select where they are stored. Writers
// consume telemessages; they can be chained:
//
//	driver, err := apidriver.New(username, password)
//	if err != nil {
//	    return err
//	}
//
//	w := telemessage.NewGzipWriter(telemessage.NewDirectWriter(driver))
//	err = w.WriteTelemessage(ctx, telemessage.New(params, lines))
//
// DirectWriter posts each message through the driver, so authentication and
// retries are handled there. GzipWriter compresses messages when that makes
// the request smaller.
package telemessage
