package videogen

// Wire types for the generative language API. Submission goes through the
// long-running-operation endpoint; polling reads the operation until done.

type generateRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type instance struct {
	Prompt string `json:"prompt"`
}

type parameters struct {
	PersonGeneration string `json:"personGeneration"`
	AspectRatio      string `json:"aspectRatio"`
	SampleCount      int    `json:"sampleCount"`
	DurationSeconds  int    `json:"durationSeconds"`
}

type operation struct {
	Name string `json:"name"`
}

type operationStatus struct {
	Done     bool            `json:"done"`
	Response *videoResponse  `json:"response"`
	Error    *operationError `json:"error"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type videoResponse struct {
	GenerateVideoResponse generateVideoResponse `json:"generateVideoResponse"`
}

type generateVideoResponse struct {
	GeneratedSamples []generatedSample `json:"generatedSamples"`
}

type generatedSample struct {
	Video videoRef `json:"video"`
}

type videoRef struct {
	URI string `json:"uri"`
}

// Text-generation wire types, used by the prompt optimizer.

type textRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	ResponseMimeType string  `json:"responseMimeType"`
	Temperature      float32 `json:"temperature"`
	TopP             float32 `json:"topP"`
}

type textResponse struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content struct {
		Parts []part `json:"parts"`
	} `json:"content"`
}
