// Package point encodes measurements as line protocol and batches them into
// telemessages.
//
// A Point holds one or more field values measured for a single entity at a
// single time, stored under a measurement in a Namespace:
//
//	ns := point.V1Namespace{Database: "myDatabase", RetentionPolicy: "myRetentionPolicy"}
//	p := point.Point{
//	    Namespace:   ns,
//	    Measurement: "homeSensors",
//	    Time:        time.Now(),
//	    Tags:        map[string]string{"id": "livingroomSensor"},
//	    Fields:      map[string]any{"temp_C": 18.5},
//	}
//
//	w := point.NewDirectWriter(telemessage.NewDirectWriter(driver))
//	err := w.WritePoints(ctx, []point.Point{p})
//
// DirectWriter groups points by namespace and splits each group into
// telemessages of bounded size.
package point
