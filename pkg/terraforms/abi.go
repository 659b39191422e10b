package terraforms

// contractABI covers the read-only methods the extractor calls. The
// supplemental data tuple follows the deployed contract's struct layout.
const contractABI = `[
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenByIndex","stateMutability":"view",
   "inputs":[{"name":"index","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"tokenHTML","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"tokenSVG","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"tokenSupplementalData","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"result","type":"tuple","components":[
     {"name":"tokenId","type":"uint256"},
     {"name":"level","type":"uint256"},
     {"name":"xCoordinate","type":"uint256"},
     {"name":"yCoordinate","type":"uint256"},
     {"name":"elevation","type":"int256"},
     {"name":"structureSpaceX","type":"int256"},
     {"name":"structureSpaceY","type":"int256"},
     {"name":"structureSpaceZ","type":"int256"},
     {"name":"zoneName","type":"string"},
     {"name":"zoneColors","type":"string[10]"},
     {"name":"characterSet","type":"string[9]"}
   ]}]}
]`
